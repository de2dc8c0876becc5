package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type attributeResult struct {
	Object    string `json:"object" yaml:"object"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

type connectReport struct {
	URL          string            `json:"url" yaml:"url"`
	ConnectionID string            `json:"connection_id" yaml:"connection_id"`
	SSLRegistry  bool              `json:"ssl_registry" yaml:"ssl_registry"`
	Attributes   []attributeResult `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

func validFormat(f string) bool {
	switch f {
	case "text", "json", "yaml":
		return true
	}
	return false
}

func writeReport(w io.Writer, format string, r connectReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(w, "Connected: %s\n", r.URL)
	fmt.Fprintf(w, "  Connection: %s\n", r.ConnectionID)
	if r.SSLRegistry {
		fmt.Fprintln(w, "  Registry:   TLS")
	}
	if len(r.Attributes) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tATTRIBUTE\tVALUE\tERROR")
	for _, a := range r.Attributes {
		value := ""
		if a.Value != nil {
			value = fmt.Sprint(a.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Object, a.Attribute, value, a.Error)
	}
	return tw.Flush()
}
