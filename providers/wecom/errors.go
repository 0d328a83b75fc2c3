package wecom

import (
	"fmt"

	"github.com/goliatone/go-wecom/core"
)

// Platform error codes that mean the access token must be fetched again.
const (
	ErrCodeInvalidCredential = 40001
	ErrCodeInvalidToken      = 40014
	ErrCodeTokenExpired      = 42001
)

func tokenRejected(code int) bool {
	switch code {
	case ErrCodeInvalidCredential, ErrCodeInvalidToken, ErrCodeTokenExpired:
		return true
	default:
		return false
	}
}

func businessError(path string, status apiStatus) error {
	return core.BusinessError(
		fmt.Sprintf("providers/wecom: %s returned errcode %d", path, status.ErrCode),
		map[string]any{
			"path":    path,
			"errcode": status.ErrCode,
			"errmsg":  status.ErrMsg,
		},
	)
}
