package gpu

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/foldlattice/agent/internal/backoff"
	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/httpclient"
	"github.com/foldlattice/agent/internal/kv"
)

const (
	indexURL   = "https://api.foldingathome.org/gpus"
	cacheTTL   = 5 * 24 * time.Hour
	cacheKey   = "gpu_index"
	fetchedKey = "gpu_index_fetched_at"
)

// indexEntry is one vendor/device row of the downloaded GPU index.
type indexEntry struct {
	VendorID int    `json:"vendor_id"`
	DeviceID int    `json:"device_id"`
	Species  string `json:"species"`
}

// Index is the parsed vendor/species table spec.md section 6 calls
// the "GPU index format," cached 5 days in the IndexStore's KV table
// under cacheKey.
type Index struct {
	entries map[[2]int]string
}

// Species looks up the species assigned to a vendor/device pair.
func (idx *Index) Species(vendorID, deviceID int) (string, bool) {
	if idx == nil {
		return "", false
	}
	species, ok := idx.entries[[2]int{vendorID, deviceID}]
	return species, ok
}

func parseIndex(data []byte) (*Index, error) {
	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errs.Wrap(err, "failed to parse GPU index")
	}
	idx := &Index{entries: make(map[[2]int]string, len(entries))}
	for _, e := range entries {
		if e.Species == "" {
			continue
		}
		idx.entries[[2]int{e.VendorID, e.DeviceID}] = e.Species
	}
	return idx, nil
}

// IndexStore loads, refreshes, and persists the GPU index. It counts
// consecutive fetch failures, and NextRetryDelay reports the
// GPUIndexSchedule delay for that count; Load itself does not wait, and
// fetches again on every call once the cached copy has expired.
type IndexStore struct {
	table    *kv.Table
	client   *httpclient.SaferClient
	failures uint
}

// NewIndexStore binds an IndexStore to the given table (App
// Composition passes a dedicated gpu_index table).
func NewIndexStore(table *kv.Table, client *httpclient.SaferClient) *IndexStore {
	return &IndexStore{table: table, client: client}
}

// Load returns the cached index if present and not expired, otherwise
// fetches a fresh copy. A fetch failure returns the stale cached copy
// (if any) rather than an error, since a WU shouldn't be blocked for
// lack of a GPU index refresh.
func (s *IndexStore) Load(ctx context.Context) (*Index, error) {
	cached, fetchedAt, ok, err := s.loadCached()
	if err != nil {
		return nil, err
	}

	if ok && time.Since(fetchedAt) < cacheTTL {
		return cached, nil
	}

	fresh, err := s.fetch(ctx)
	if err != nil {
		s.failures++
		if ok {
			return cached, nil
		}
		return nil, err
	}

	s.failures = 0
	return fresh, nil
}

// NextRetryDelay returns the backoff the caller should wait before
// calling Load again after a fetch failure.
func (s *IndexStore) NextRetryDelay() time.Duration {
	return backoff.GPUIndexSchedule(s.failures)
}

func (s *IndexStore) loadCached() (*Index, time.Time, bool, error) {
	raw, ok, err := s.table.Get(cacheKey)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if !ok {
		return nil, time.Time{}, false, nil
	}

	tsRaw, ok, err := s.table.Get(fetchedKey)
	if err != nil || !ok {
		return nil, time.Time{}, false, nil
	}
	tsUnix, err := parseUnix(tsRaw)
	if err != nil {
		return nil, time.Time{}, false, nil
	}

	idx, err := parseIndex([]byte(raw))
	if err != nil {
		return nil, time.Time{}, false, nil
	}

	return idx, time.Unix(tsUnix, 0), true, nil
}

func (s *IndexStore) fetch(ctx context.Context) (*Index, error) {
	req, err := newRequest(ctx, indexURL)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.WithKind(errs.Wrap(err, "failed to fetch GPU index"), errs.KindTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, "failed to read GPU index response")
	}

	idx, err := parseIndex(body)
	if err != nil {
		return nil, err
	}

	if err := s.table.Set(cacheKey, string(body)); err != nil {
		return nil, err
	}
	if err := s.table.Set(fetchedKey, formatUnix(nowFunc())); err != nil {
		return nil, err
	}

	return idx, nil
}

var nowFunc = time.Now
