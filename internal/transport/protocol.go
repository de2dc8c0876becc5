// Package transport is the management channel: a small unary gRPC service
// carrying the authentication handshake and attribute reads, plus the client
// side that dials it directly or through a registry stub.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code; the ServiceDesc below is written by hand.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "jmxscraper.remote.v1.Management"

const (
	methodOpen         = "/" + ServiceName + "/Open"
	methodAuthenticate = "/" + ServiceName + "/Authenticate"
	methodGetAttribute = "/" + ServiceName + "/GetAttribute"
	methodClose        = "/" + ServiceName + "/Close"
)

// authorizationKey is the metadata key carrying the session token.
const authorizationKey = "authorization"

// Message field names.
const (
	fieldProfile      = "profile"
	fieldUsername     = "username"
	fieldPassword     = "password"
	fieldMechanisms   = "mechanisms"
	fieldConnectionID = "connection_id"
	fieldToken        = "token"
	fieldChallenge    = "challenge"
	fieldIdentity     = "identity"
	fieldRealm        = "realm"
	fieldProof        = "proof"
	fieldObject       = "object"
	fieldAttribute    = "attribute"
	fieldValue        = "value"

	fieldMechanism    = "mechanism"
	fieldNonce        = "nonce"
	fieldSalt         = "salt"
	fieldIterations   = "iterations"
	fieldFields       = "fields"
	fieldDefaultRealm = "default_realm"
)

// ManagementServer is the server API of the management service.
type ManagementServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAttribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterManagementServer registers srv on s.
func RegisterManagementServer(s grpc.ServiceRegistrar, srv ManagementServer) {
	s.RegisterService(&managementServiceDesc, srv)
}

type unaryCall func(ManagementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ManagementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ManagementServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var managementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: unaryHandler(methodOpen, ManagementServer.Open)},
		{MethodName: "Authenticate", Handler: unaryHandler(methodAuthenticate, ManagementServer.Authenticate)},
		{MethodName: "GetAttribute", Handler: unaryHandler(methodGetAttribute, ManagementServer.GetAttribute)},
		{MethodName: "Close", Handler: unaryHandler(methodClose, ManagementServer.Close)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jmxscraper/remote/v1/management.proto",
}

// ── structpb helpers ─────────────────────────────────────────────────────────

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func bytesField(s *structpb.Struct, key string) ([]byte, error) {
	raw := stringField(s, key)
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return b, nil
}

func stringsField(s *structpb.Struct, key string) []string {
	if s == nil {
		return nil
	}
	list := s.GetFields()[key].GetListValue()
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if sv := v.GetStringValue(); sv != "" {
			out = append(out, sv)
		}
	}
	return out
}

func anyStrings(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func encodeChallenge(ch sasl.Challenge) map[string]any {
	return map[string]any{
		fieldMechanism:    ch.Mechanism,
		fieldNonce:        base64.StdEncoding.EncodeToString(ch.Nonce),
		fieldSalt:         base64.StdEncoding.EncodeToString(ch.Salt),
		fieldIterations:   ch.Iterations,
		fieldFields:       anyStrings(ch.Fields),
		fieldDefaultRealm: ch.DefaultRealm,
	}
}

func decodeChallenge(s *structpb.Struct) (sasl.Challenge, error) {
	if s == nil {
		return sasl.Challenge{}, fmt.Errorf("empty challenge")
	}
	nonce, err := bytesField(s, fieldNonce)
	if err != nil {
		return sasl.Challenge{}, err
	}
	salt, err := bytesField(s, fieldSalt)
	if err != nil {
		return sasl.Challenge{}, err
	}
	return sasl.Challenge{
		Mechanism:    stringField(s, fieldMechanism),
		Nonce:        nonce,
		Salt:         salt,
		Iterations:   int(s.GetFields()[fieldIterations].GetNumberValue()),
		Fields:       stringsField(s, fieldFields),
		DefaultRealm: stringField(s, fieldDefaultRealm),
	}, nil
}
