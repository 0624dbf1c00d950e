package unit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/corecache"
	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/frametimer"
	"github.com/foldlattice/agent/internal/httpclient"
	"github.com/foldlattice/agent/internal/identity"
	"github.com/foldlattice/agent/internal/kernel"
	"github.com/foldlattice/agent/internal/logger"
	"github.com/foldlattice/agent/internal/wire"
)

// AssignParams is the caller-supplied context for an Assign attempt:
// everything about the agent and the requesting group that isn't
// derived from the WU itself.
type AssignParams struct {
	AssignServer string
	User         string
	Team         int
	Passkey      string
	Account      string
	OS           wire.OSBlock
	Cause        string
	Beta         bool
	ProjectKey   string
	CPUFeatures  []string
	GPUs         []wire.GPUDescription
}

// session is the live, in-memory-only state a RUN-state WU carries:
// the supervised subprocess and its progress timer. Per invariant 1 a
// WU has at most one of these, and only while State == StateRun.
type session struct {
	sup   *kernel.Supervisor
	timer *frametimer.Timer
}

// Engine orchestrates the network/process side of the Unit State
// Machine. It holds no per-WU business state itself -- that lives on
// the Unit values callers pass in -- except the live kernel sessions,
// which cannot be persisted.
type Engine struct {
	id      *identity.Identity
	http    *httpclient.SaferClient
	cores   *corecache.Cache
	workDir string
	version string
	log     *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine builds an Engine. workDir is the root under which each
// WU gets its own work/<id> subdirectory.
func NewEngine(id *identity.Identity, client *httpclient.SaferClient, cores *corecache.Cache, workDir, version string) *Engine {
	return &Engine{
		id:       id,
		http:     client,
		cores:    cores,
		workDir:  workDir,
		version:  version,
		log:      logger.ComponentLogger("unit"),
		sessions: make(map[string]*session),
	}
}

func (e *Engine) unitDir(id string) string {
	return filepath.Join(e.workDir, "work", id)
}

// postJSON signs and POSTs body to url, decoding the response into out.
func (e *Engine) postJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(err, "failed to marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrapf(err, "failed to build request for %s", url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return errs.WithKind(errs.Wrapf(err, "failed to reach %s", url), errs.KindTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 400 || resp.StatusCode == 406 || resp.StatusCode == 410:
		return errs.WithKind(errs.Newf("server rejected request (%d)", resp.StatusCode), errs.KindRejected)
	case resp.StatusCode == 503:
		return errs.WithKind(errs.New("server temporarily unavailable (503)"), errs.KindTransient)
	case resp.StatusCode >= 400:
		return errs.WithKind(errs.Newf("unexpected status %d from %s", resp.StatusCode, url), errs.KindTransient)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(err, "failed to decode response body")
	}
	return nil
}

// signParts signs parts in order and returns the base64 signature
// plus the concatenation of their JSON bytes, the "request||assignment
// ||wu.data"-style covered payload every wire contract in spec.md
// section 6 describes.
func (e *Engine) signParts(parts ...interface{}) (signatureB64 string, covered []byte, err error) {
	var buf bytes.Buffer
	for _, p := range parts {
		b, ok := p.([]byte)
		if !ok {
			b, err = json.Marshal(p)
			if err != nil {
				return "", nil, errs.Wrap(err, "failed to marshal signed part")
			}
		}
		buf.Write(b)
	}
	covered = buf.Bytes()
	sig, err := e.id.Sign(covered)
	if err != nil {
		return "", nil, err
	}
	return sig, covered, nil
}

// Assign performs the assign-server round trip of spec.md section
// 4.1's "Assign" contract, advancing u to DOWNLOAD on success.
func (e *Engine) Assign(ctx context.Context, u *Unit, p AssignParams) (err error) {
	defer func() {
		if err != nil {
			e.recordFailure(u, err)
		}
	}()

	cpus := wire.CPUDescription{Count: u.CPUs, Features: p.CPUFeatures}
	reqData := wire.AssignRequest{
		ClientID: e.id.ClientID(),
		Version:  e.version,
		User:     p.User,
		Team:     p.Team,
		Passkey:  p.Passkey,
		Account:  p.Account,
		OS:       p.OS,
		Project:  wire.ProjectBlock{Cause: p.Cause, Beta: p.Beta, ProjectKey: p.ProjectKey},
		Resource: wire.ResourceBlock{CPUs: []wire.CPUDescription{cpus}, GPUs: p.GPUs},
	}

	dataJSON, err := json.Marshal(reqData)
	if err != nil {
		return errs.Wrap(err, "failed to marshal assign request")
	}
	sigB64, err := e.id.Sign(dataJSON)
	if err != nil {
		return err
	}
	pubPEM, err := e.id.PublicKeyPEM()
	if err != nil {
		return err
	}

	requestEnvelope := wire.SignedEnvelope{Data: dataJSON, Signature: sigB64, PubKey: pubPEM}

	var resp wire.AssignResponse
	url := fmt.Sprintf("https://%s/api/assign", p.AssignServer)
	if err := e.postJSON(ctx, url, requestEnvelope, &resp); err != nil {
		return err
	}

	var echoed wire.SignedEnvelope
	if err := json.Unmarshal(resp.Request, &echoed); err != nil {
		return errs.WithKind(errs.Wrap(err, "failed to parse echoed request"), errs.KindIntegrity)
	}

	pub, err := verifyCertUsage(resp.Assignment.Certificate.PEM, "AS")
	if err != nil {
		return err
	}
	covered := append(append([]byte{}, resp.Request...), resp.Assignment.Data...)
	if err := identity.Verify(pub, covered, resp.Assignment.Signature); err != nil {
		return err
	}

	id := RequestID(echoed.Signature)
	if echoed.Signature != sigB64 {
		return errs.WithKind(errs.New("echoed request signature does not match the one sent"), errs.KindIntegrity)
	}

	var assignData wire.AssignmentData
	if err := json.Unmarshal(resp.Assignment.Data, &assignData); err != nil {
		return errs.Wrap(err, "failed to parse assignment data")
	}

	u.ID = id
	u.Data.Request = dataJSON
	u.Data.Assignment = &resp.Assignment
	u.MinCPUs = assignData.MinCPUs
	u.MaxCPUs = assignData.MaxCPUs
	u.GPUs = assignData.GPUs
	u.CoreURL = assignData.Core.URL
	u.CoreSHA256 = assignData.Core.SHA256
	u.CoreType = assignData.Core.Type
	u.WS = assignData.WS
	u.CS = assignData.CS
	u.Timeout = time.Duration(assignData.Timeout * float64(time.Second))
	u.Deadline = time.Now().Add(time.Duration(assignData.Deadline * float64(time.Second)))
	u.RequestedAt = time.Now()
	u.Credit = assignData.Credit
	u.State = StateDownload

	e.log.Infow("unit assigned", "unit", u.ID, "ws", u.WS, "core", u.CoreURL)
	return nil
}

// Download fetches WU input data from the work server, per spec.md
// section 4.1's "Download" contract, advancing u to CORE.
func (e *Engine) Download(ctx context.Context, u *Unit) (err error) {
	defer func() {
		if err != nil {
			e.recordFailure(u, err)
		}
	}()

	url := fmt.Sprintf("https://%s/api/assign", u.WS)

	var resp wire.DownloadResponse
	if err := e.postJSON(ctx, url, u.Data.Assignment, &resp); err != nil {
		return err
	}

	pub, err := verifyCertUsage(resp.WU.Certificate.PEM, "WS")
	if err != nil {
		return err
	}
	assignmentJSON, err := json.Marshal(resp.Assignment)
	if err != nil {
		return errs.Wrap(err, "failed to marshal assignment for verification")
	}
	wuDataJSON, err := json.Marshal(resp.WU.Data)
	if err != nil {
		return errs.Wrap(err, "failed to marshal wu.data for verification")
	}
	covered := append(append(append([]byte{}, resp.Request...), assignmentJSON...), wuDataJSON...)
	if err := identity.Verify(pub, covered, resp.WU.Signature); err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return errs.WithKind(errs.Wrap(err, "invalid base64 wu data"), errs.KindIntegrity)
	}
	sum := sha256.Sum256(raw)
	got := hex.EncodeToString(sum[:])
	if got != resp.WU.Data.SHA256 {
		return errs.WithKind(errs.Newf("wu data sha256 mismatch: got %s want %s", got, resp.WU.Data.SHA256), errs.KindIntegrity)
	}

	dir := e.unitDir(u.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.WithKind(errs.Wrapf(err, "failed to create work directory %s", dir), errs.KindLocalEnv)
	}
	dataPath := filepath.Join(dir, "wudata_01.dat")
	if err := os.WriteFile(dataPath, raw, 0o644); err != nil {
		return errs.WithKind(errs.Wrapf(err, "failed to persist %s", dataPath), errs.KindLocalEnv)
	}

	resp.Data = "" // raw bytes never persisted in the envelope
	u.Data.WU = &resp.WU
	u.State = StateCore

	e.log.Infow("unit downloaded", "unit", u.ID, "bytes", len(raw))
	return nil
}

// Core obtains the compute kernel for u and transitions it to RUN in
// the paused sub-state, per spec.md section 4.1's "Core" contract. The
// caller's group scheduler decides when Start actually spawns it.
func (e *Engine) Core(ctx context.Context, u *Unit, onProgress corecache.Progress) (binaryPath string, err error) {
	defer func() {
		if err != nil {
			e.recordFailure(u, err)
		}
	}()

	path, err := e.cores.Get(ctx, u.CoreURL, u.CoreSHA256, u.CoreType, onProgress)
	if err != nil {
		return "", err
	}
	u.State = StateRun
	u.Paused = true
	e.log.Infow("core ready", "unit", u.ID, "path", path)
	return path, nil
}

// Start spawns the kernel subprocess for a paused RUN-state WU.
func (e *Engine) Start(ctx context.Context, u *Unit, binaryPath string, argv []string) error {
	if u.State != StateRun {
		return errs.Newf("cannot start unit %s: not in RUN", u.ID)
	}

	dir := e.unitDir(u.ID)
	sup, err := kernel.New(ctx, u.ID, binaryPath, dir, argv)
	if err != nil {
		return err
	}

	timer := frametimer.New(u.Timeout, time.Until(u.Deadline), u.RequestedAt)
	if u.StartTime.IsZero() {
		u.StartTime = time.Now()
	}
	u.Paused = false

	e.mu.Lock()
	e.sessions[u.ID] = &session{sup: sup, timer: timer}
	e.mu.Unlock()

	return nil
}

// Tick performs the per-second Run-state bookkeeping spec.md section
// 4.1 describes: clock-skew sampling, wuinfo progress, and detecting
// that the kernel has exited (the caller should then call Finalize).
func (e *Engine) Tick(now time.Time, u *Unit) (stillRunning bool, err error) {
	e.mu.Lock()
	sess, ok := e.sessions[u.ID]
	e.mu.Unlock()
	if !ok {
		return false, errs.Newf("no live session for unit %s", u.ID)
	}

	sess.sup.Sample(now)
	u.RunTime = sess.sup.RunTime(now)
	u.ClockSkew = sess.sup.ClockSkew()

	infoPath := filepath.Join(e.unitDir(u.ID), "wuinfo_01.dat")
	if raw, readErr := os.ReadFile(infoPath); readErr == nil {
		if info, parseErr := ParseWUInfo(raw); parseErr == nil {
			u.LastKnownDone = info.Done
			u.LastKnownTotal = info.Total
			sess.timer.Observe(u.RunTime, info.Done, info.Total)
			u.LastKnownProgressUpdateRunTime = u.RunTime
		}
	}

	if sess.sup.IsRunning() {
		return true, nil
	}
	return false, nil
}

// Finalize harvests the kernel's exit status and builds the signed
// results envelope, advancing u to UPLOAD or DUMP per spec.md section
// 4.1's "Finalize" contract.
func (e *Engine) Finalize(u *Unit) error {
	e.mu.Lock()
	sess, ok := e.sessions[u.ID]
	delete(e.sessions, u.ID)
	e.mu.Unlock()
	if !ok {
		return errs.Newf("no live session for unit %s", u.ID)
	}

	result, err := sess.sup.Wait()
	if err != nil {
		return err
	}

	disposition := kernel.Classify(result.Code, result.Killed, result.CoreDumped)
	u.RunTime = sess.sup.RunTime(time.Now())

	switch disposition {
	case kernel.DispositionReturn:
		return e.finalizeSuccess(u)
	case kernel.DispositionRetryCore:
		u.State = StateRun
		u.Paused = true
		return nil
	case kernel.DispositionRestart:
		u.State = StateRun
		u.Paused = true
		exceeded := recordRetry(u, time.Now())
		if exceeded {
			e.clean(u, ReasonRetries)
		}
		return nil
	default: // DispositionDump, DispositionFail
		u.State = StateDump
		e.log.Warnw("kernel exited abnormally", "unit", u.ID, "code", result.Code, "disposition", disposition)
		return nil
	}
}

func (e *Engine) finalizeSuccess(u *Unit) error {
	resultsPath := filepath.Join(e.unitDir(u.ID), "wuresults_01.dat")
	raw, err := os.ReadFile(resultsPath)
	if err != nil {
		return errs.WithKind(errs.Wrapf(err, "failed to read results %s", resultsPath), errs.KindLocalEnv)
	}
	sum := sha256.Sum256(raw)
	shaHex := hex.EncodeToString(sum[:])

	status := "ok"
	sig, _, err := e.signParts(u.Data.Request, u.Data.Assignment, u.Data.WU, status, shaHex)
	if err != nil {
		return err
	}

	u.Data.Results = &wire.ResultsEnvelope{
		Status:    status,
		SHA256:    shaHex,
		Signature: sig,
		Data:      base64.StdEncoding.EncodeToString(raw),
	}
	u.State = StateUpload
	u.LastKnownDone = u.LastKnownTotal
	e.log.Infow("unit finished", "unit", u.ID, "results_bytes", len(raw))
	return nil
}

// Upload posts the results envelope to the work server (or, after
// repeated failure, a fallback collector host), per spec.md section
// 4.1's "Upload" contract.
func (e *Engine) Upload(ctx context.Context, u *Unit) error {
	host := u.WS
	if u.CSIndex > 0 && u.CSIndex-1 < len(u.CS) {
		host = u.CS[u.CSIndex-1]
	}
	url := fmt.Sprintf("https://%s/api/results", host)

	err := e.postJSON(ctx, url, u.Data.Results, nil)
	if err == nil {
		e.clean(u, ReasonCredited)
		return nil
	}

	if errs.KindOf(err) == errs.KindRejected {
		e.clean(u, ReasonRejected)
		return nil
	}

	if errs.KindOf(err) == errs.KindTransient {
		u.CSIndex++
		exceeded := recordRetry(u, time.Now())
		if exceeded {
			e.clean(u, ReasonRetries)
			return nil
		}
	}
	return err
}

// Dump posts the dump envelope -- same shape as Upload but with no
// results hash -- per spec.md section 4.1's "Dump" contract. A failed
// POST leaves u in DUMP for retry (or routes it to a terminal reason
// via recordFailure); only a confirmed post advances to DONE(dumped).
func (e *Engine) Dump(ctx context.Context, u *Unit) (err error) {
	defer func() {
		if err != nil {
			e.recordFailure(u, err)
		}
	}()

	status := "dumped"
	sig, _, err := e.signParts(u.Data.Request, u.Data.Assignment, u.Data.WU, status)
	if err != nil {
		return err
	}
	u.Data.Results = &wire.ResultsEnvelope{Status: status, Signature: sig}

	url := fmt.Sprintf("https://%s/api/results", u.WS)
	if err := e.postJSON(ctx, url, u.Data.Results, nil); err != nil {
		return err
	}
	e.clean(u, ReasonDumped)
	return nil
}

// clean transitions u to its terminal DONE state with reason.
func (e *Engine) clean(u *Unit, reason DoneReason) {
	u.State = StateDone
	u.Reason = reason
	e.log.Infow("unit done", "unit", u.ID, "reason", reason)
}

// recordFailure applies the backoff/terminal policy errs.Kind
// documents to a failed Assign/Download/Core/Dump attempt, so every
// failure site feeds the same retry bookkeeping Upload already uses
// instead of silently stalling or silently succeeding. Callers pass
// the error straight through unchanged.
func (e *Engine) recordFailure(u *Unit, cause error) {
	switch errs.KindOf(cause) {
	case errs.KindRejected:
		e.clean(u, ReasonRejected)
	case errs.KindLocalEnv:
		e.clean(u, ReasonMissing)
	case errs.KindIntegrity:
		// Retried once in case it was a one-off transport corruption,
		// then treated as a real failure.
		if u.Retries > 0 {
			e.clean(u, ReasonFailed)
			return
		}
		if recordRetry(u, time.Now()) {
			e.clean(u, ReasonRetries)
		}
	default: // KindTransient, and unclassified errors default to it
		if recordRetry(u, time.Now()) {
			e.clean(u, ReasonRetries)
		}
	}
}

// StopLive asks the live kernel session for u (if any) to stop,
// needed when a group pauses a WU or the agent shuts down cleanly.
func (e *Engine) StopLive(u *Unit) error {
	e.mu.Lock()
	sess, ok := e.sessions[u.ID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.sup.Stop()
}

// HasLiveSession reports whether u currently owns a supervised
// subprocess, the basis for invariant 1 and property 2 of spec.md
// section 8.
func (e *Engine) HasLiveSession(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	return ok
}
