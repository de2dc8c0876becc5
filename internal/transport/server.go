package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/jmxscraper/internal/identity"
	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/internal/ratelimit"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
)

// ProfilePrefix introduces a challenge-response profile, e.g. "SASL/DIGEST-SHA256".
const ProfilePrefix = "SASL/"

// ServerConfig holds management server configuration.
type ServerConfig struct {
	Realm        string        // default realm offered in challenges
	ChallengeTTL time.Duration // default 30s
	OpenRPS      int           // per peer IP; 0 disables limiting
	OpenBurst    int
}

type pendingChallenge struct {
	challenge sasl.Challenge
	expiresAt time.Time
}

// Server implements ManagementServer.
type Server struct {
	cfg     ServerConfig
	users   *identity.UserStore
	tokens  *identity.TokenIssuer
	attrs   AttributeSource
	limiter *ratelimit.Set
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]pendingChallenge
	sessions map[string]time.Time // connection ID -> token expiry
}

// NewServer creates a management Server. users may be empty, which disables
// authentication. attrs defaults to RuntimeAttributes.
func NewServer(cfg ServerConfig, users *identity.UserStore, tokens *identity.TokenIssuer, attrs AttributeSource, logger *zap.Logger) *Server {
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = 30 * time.Second
	}
	if users == nil {
		users = identity.NewUserStore("", nil)
	}
	if attrs == nil {
		attrs = NewRuntimeAttributes()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		users:    users,
		tokens:   tokens,
		attrs:    attrs,
		limiter:  ratelimit.New(cfg.OpenRPS, cfg.OpenBurst),
		logger:   logger,
		pending:  make(map[string]pendingChallenge),
		sessions: make(map[string]time.Time),
	}
}

// Register registers the management service on gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterManagementServer(gs, s)
}

// UnaryInterceptor rate-limits Open per peer IP.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == methodOpen && !s.limiter.Allow(peerIP(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "too many connection attempts")
		}
		return handler(ctx, req)
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// Open starts a session. Depending on the requested profile it either
// authenticates basic credentials immediately or returns a challenge.
func (s *Server) Open(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := uuid.New().String()
	profile := stringField(in, fieldProfile)
	username := stringField(in, fieldUsername)

	if mech, ok := strings.CutPrefix(profile, ProfilePrefix); ok && s.users.Enabled() {
		return s.openChallenge(id, mech, stringsField(in, fieldMechanisms))
	}

	if s.users.Enabled() && !s.users.Verify(username, stringField(in, fieldPassword)) {
		metrics.RecordHandshake("basic", false)
		s.logger.Info("authentication failed", zap.String("username", username), zap.String("peer", peerIP(ctx)))
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}

	mech := "basic"
	if !s.users.Enabled() {
		mech = "none"
	}
	metrics.RecordHandshake(mech, true)
	return s.establish(id, username, "")
}

func (s *Server) openChallenge(id, mech string, offered []string) (*structpb.Struct, error) {
	if mech != digest.Mechanism {
		metrics.RecordHandshake(mech, false)
		return nil, status.Errorf(codes.InvalidArgument, "unsupported profile mechanism %q", mech)
	}
	if !contains(offered, mech) {
		metrics.RecordHandshake(mech, false)
		return nil, status.Errorf(codes.FailedPrecondition, "client does not offer mechanism %q", mech)
	}

	ch, err := digest.NewChallenge(s.cfg.Realm)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	now := time.Now()
	s.mu.Lock()
	for k, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, k)
		}
	}
	s.pending[id] = pendingChallenge{challenge: ch, expiresAt: now.Add(s.cfg.ChallengeTTL)}
	s.mu.Unlock()

	return structpb.NewStruct(map[string]any{
		fieldConnectionID: id,
		fieldChallenge:    encodeChallenge(ch),
	})
}

// Authenticate answers a pending challenge.
func (s *Server) Authenticate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, fieldConnectionID)

	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok || time.Now().After(p.expiresAt) {
		return nil, status.Error(codes.FailedPrecondition, "no pending challenge for connection")
	}

	proof, err := bytesField(in, fieldProof)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp := &sasl.Response{
		Identity: stringField(in, fieldIdentity),
		Realm:    stringField(in, fieldRealm),
		Proof:    proof,
	}

	user, known := s.users.Lookup(resp.Identity)
	realmOK := user.Realm == "" || user.Realm == resp.Realm
	if !known || !realmOK || !digest.Verify(p.challenge, resp, []byte(user.Password)) {
		metrics.RecordHandshake(p.challenge.Mechanism, false)
		s.logger.Info("challenge failed", zap.String("identity", resp.Identity), zap.String("peer", peerIP(ctx)))
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}

	metrics.RecordHandshake(p.challenge.Mechanism, true)
	return s.establish(id, resp.Identity, p.challenge.Mechanism)
}

func (s *Server) establish(id, username, mechanism string) (*structpb.Struct, error) {
	token, err := s.tokens.Issue(id, username, mechanism)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	now := time.Now()
	s.mu.Lock()
	s.sweepSessions(now)
	s.sessions[id] = now.Add(s.tokens.TTL())
	s.mu.Unlock()

	s.logger.Debug("session established",
		zap.String("connection_id", id),
		zap.String("username", username),
		zap.String("mechanism", mechanism),
	)
	return structpb.NewStruct(map[string]any{
		fieldConnectionID: id,
		fieldToken:        token,
	})
}

// session validates the bearer token in ctx and returns its connection ID.
func (s *Server) session(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(authorizationKey)
	if len(vals) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing session token")
	}
	token, ok := strings.CutPrefix(vals[0], "Bearer ")
	if !ok {
		return "", status.Error(codes.Unauthenticated, "malformed authorization")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, err.Error())
	}

	s.mu.Lock()
	expiresAt, open := s.sessions[claims.ConnectionID]
	s.mu.Unlock()
	if !open || time.Now().After(expiresAt) {
		return "", status.Error(codes.Unauthenticated, "session closed")
	}
	return claims.ConnectionID, nil
}

// GetAttribute reads one attribute from the AttributeSource.
func (s *Server) GetAttribute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session(ctx); err != nil {
		return nil, err
	}
	object, attr := stringField(in, fieldObject), stringField(in, fieldAttribute)
	v, err := s.attrs.Attribute(object, attr)
	if err != nil {
		if errors.Is(err, ErrAttributeNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(map[string]any{fieldValue: v})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s#%s: %v", object, attr, err)
	}
	return out, nil
}

// Close ends the caller's session.
func (s *Server) Close(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return &structpb.Struct{}, nil
}

// Sessions returns the number of open sessions. Sessions whose token has
// expired are dropped first.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepSessions(time.Now())
	return len(s.sessions)
}

// sweepSessions drops sessions abandoned without a Close. Callers hold s.mu.
func (s *Server) sweepSessions(now time.Time) {
	for id, expiresAt := range s.sessions {
		if now.After(expiresAt) {
			delete(s.sessions, id)
		}
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
