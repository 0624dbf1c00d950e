package gpu

import (
	"context"
	"net/http"
	"strconv"

	"github.com/foldlattice/agent/internal/errs"
)

func newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "failed to build request for %s", url)
	}
	return req, nil
}

func parseUnix(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatUnix(t interface{ Unix() int64 }) string {
	return strconv.FormatInt(t.Unix(), 10)
}
