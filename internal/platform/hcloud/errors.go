package hcloud

import (
	"errors"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/remote"
)

// isTransient checks if an error is expected to clear on retry: the
// resource is locked by a running action, changed during the request, or
// the service is briefly unavailable.
func isTransient(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeLocked,           // Item is locked (action running)
		hcloud.ErrorCodeConflict,         // Resource changed during request
		hcloud.ErrorCodeResourceLocked,   // Resource locked
		hcloud.ErrorCodeResourceUnavailable,
		hcloud.ErrorCodeRateLimitExceeded,
		hcloud.ErrorCodeServiceError,
		hcloud.ErrorCodeMaintenance,
	)
}

// isAuthFailure checks if the token was rejected.
func isAuthFailure(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeUnauthorized,
		hcloud.ErrorCodeForbidden,
	)
}

// isHCloudErrorCode checks if the error is an hcloud API error with one of the given codes.
func isHCloudErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	if err == nil {
		return false
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		for _, code := range codes {
			if hcloudErr.Code == code {
				return true
			}
		}
	}
	return false
}

// Classify maps an error from a Backend capability onto a node error kind.
func Classify(err error) node.Kind {
	switch {
	case isTransient(err):
		return node.KindTransient
	case isAuthFailure(err):
		return node.KindAuthFailure
	}
	return remote.DefaultClassify(err)
}
