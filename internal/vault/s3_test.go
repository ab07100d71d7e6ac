package vault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"

	"keep/internal/keep"
)

func TestClassifyS3Err(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad access key", apiErr("InvalidAccessKeyId"), keep.ErrVaultAuthFailed},
		{"bad signature", apiErr("SignatureDoesNotMatch"), keep.ErrVaultAuthFailed},
		{"expired token", apiErr("ExpiredToken"), keep.ErrVaultAuthFailed},
		{"access denied", apiErr("AccessDenied"), keep.ErrVaultWriteDenied},
		{"account disabled", apiErr("AllAccessDisabled"), keep.ErrVaultWriteDenied},
		{"missing bucket", apiErr("NoSuchBucket"), keep.ErrVaultUnreachable},
		{"wrong region", apiErr("PermanentRedirect"), keep.ErrVaultUnreachable},
		{"unknown api error", apiErr("SlowDown"), keep.ErrVaultUnreachable},
		{"network error", errors.New("dial tcp: connection refused"), keep.ErrVaultUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyS3Err(fmt.Errorf("putting object: %w", tt.err))
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyS3Err(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestS3KeyMapping(t *testing.T) {
	t.Run("with prefix", func(t *testing.T) {
		v := &S3Vault{prefix: "backups/host-1"}
		if got := v.objectKey("drive/docs/a.txt"); got != "backups/host-1/drive/docs/a.txt" {
			t.Errorf("objectKey = %q", got)
		}
		if got := v.vaultKey("backups/host-1/drive/docs/a.txt"); got != "drive/docs/a.txt" {
			t.Errorf("vaultKey = %q", got)
		}
	})
	t.Run("without prefix", func(t *testing.T) {
		v := &S3Vault{}
		if got := v.objectKey("drive/docs/a.txt"); got != "drive/docs/a.txt" {
			t.Errorf("objectKey = %q", got)
		}
		if got := v.vaultKey("drive/docs/a.txt"); got != "drive/docs/a.txt" {
			t.Errorf("vaultKey = %q", got)
		}
	})
}
