//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("gcs archival is not enabled in this build (use -tags gcp)")
}
