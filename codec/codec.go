// Package codec turns values into JSON text and back. The frame encoder and
// the client use it for params, results and whole envelopes.
package codec

import "fmt"

// Codec serializes a value for the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Get returns the codec registered under name. Only "json" exists today.
func Get(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
