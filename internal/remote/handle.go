package remote

import (
	"context"
	"fmt"
	"strings"
)

// Method is a resolved backend capability.
type Method func(ctx context.Context, args ...any) (any, error)

// Handle is a live, authenticated view of the backend.
type Handle interface {
	// Resolve returns the capability named by a dotted path.
	Resolve(path string) (Method, error)
}

// Connector turns a credential token into a Handle.
type Connector func(ctx context.Context, token string) (Handle, error)

// Namespace is a Handle built from nested maps. Values are either a Method
// or another Namespace.
type Namespace map[string]any

// Resolve walks the dotted path one segment at a time.
func (ns Namespace) Resolve(path string) (Method, error) {
	if path == "" {
		return nil, fmt.Errorf("empty method path")
	}

	segs := strings.Split(path, ".")
	var cur any = ns
	for i, seg := range segs {
		scope, ok := cur.(Namespace)
		if !ok {
			return nil, fmt.Errorf("method path %q: %s is not a namespace", path, strings.Join(segs[:i], "."))
		}
		next, ok := scope[seg]
		if !ok {
			return nil, fmt.Errorf("method path %q: unknown attribute %q", path, seg)
		}
		cur = next
	}

	switch m := cur.(type) {
	case Method:
		return m, nil
	case func(ctx context.Context, args ...any) (any, error):
		return m, nil
	}
	return nil, fmt.Errorf("method path %q does not name a callable", path)
}
