package remote

import (
	"errors"
	"syscall"

	"github.com/imamik/bmconductor/internal/node"
)

// Classifier maps a backend error to a kind. Only node.KindTransient is
// retried.
type Classifier func(err error) node.Kind

// DefaultClassify keeps the kind of a *node.Error, treats a refused
// connection as transient, and everything else as fatal.
func DefaultClassify(err error) node.Kind {
	if k := node.KindOf(err); k != node.KindUnknown {
		return k
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return node.KindTransient
	}
	return node.KindFatal
}

// Transient marks err as a retryable backend failure.
func Transient(err error) error {
	return &node.Error{Kind: node.KindTransient, Msg: "transient backend failure", Err: err}
}
