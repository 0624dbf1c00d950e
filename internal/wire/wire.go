// Package wire defines the signed JSON envelopes exchanged with the
// assignment server (AS), work server (WS), collector servers (CS),
// and the account API, per spec.md section 6.
package wire

import "encoding/json"

// SignedEnvelope is the generic {data, signature, pub-key} shape of the
// signed assign request; link and results/dump use MachineLinkBody and
// ResultsEnvelope.
type SignedEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"` // base64(rsaSign(Data))
	PubKey    string          `json:"pub-key"`
}

// AssignRequest is the canonical body signed and POSTed to
// POST https://<as>/api/assign.
type AssignRequest struct {
	ClientID string        `json:"client_id"`
	Version  string        `json:"version"`
	User     string        `json:"user,omitempty"`
	Team     int           `json:"team,omitempty"`
	Passkey  string        `json:"passkey,omitempty"`
	Account  string        `json:"account,omitempty"`
	OS       OSBlock       `json:"os"`
	Project  ProjectBlock  `json:"project"`
	Resource ResourceBlock `json:"resource"`
}

// OSBlock describes the client's platform for the assignment request.
type OSBlock struct {
	Type string `json:"type"`
	Arch string `json:"arch"`
}

// ProjectBlock carries the cause preference and optional project pin.
type ProjectBlock struct {
	Cause      string `json:"cause"`
	Beta       bool   `json:"beta,omitempty"`
	ProjectKey string `json:"key,omitempty"`
}

// ResourceBlock describes the resources offered for this assignment.
type ResourceBlock struct {
	CPUs []CPUDescription `json:"cpus"`
	GPUs []GPUDescription `json:"gpus,omitempty"`
}

// CPUDescription describes available logical CPUs and their feature set.
type CPUDescription struct {
	Count    int      `json:"count"`
	Features []string `json:"features,omitempty"`
}

// GPUDescription mirrors the Resource tuple of spec.md section 3.
type GPUDescription struct {
	Bus            int    `json:"bus"`
	Slot           int    `json:"slot"`
	Function       int    `json:"function"`
	VendorID       int    `json:"vendor_id"`
	DeviceID       int    `json:"device_id"`
	VendorName     string `json:"vendor_name"`
	Species        string `json:"species"`
	PlatformIndex  int    `json:"platform_index,omitempty"`
	DeviceIndex    int    `json:"device_index,omitempty"`
	DriverVersion  string `json:"driver_version,omitempty"`
	ComputeVersion string `json:"compute_version,omitempty"`
	UUID           string `json:"uuid,omitempty"`
	API            string `json:"api,omitempty"` // opencl, cuda, hip
}

// Certificate carries a PEM chain plus the application-specific "usage"
// attribute (AS, WS, or core|core<XX>) per spec.md section 9.
type Certificate struct {
	PEM   string `json:"pem"`
	Usage string `json:"usage"`
}

// AssignmentEnvelope is embedded in both the assign response and the
// download request: {data, certificate, signature}.
type AssignmentEnvelope struct {
	Data        json.RawMessage `json:"data"`
	Certificate Certificate     `json:"certificate"`
	Signature   string          `json:"signature"`
}

// AssignmentData is the decoded payload of AssignmentEnvelope.Data.
type AssignmentData struct {
	MinCPUs  int       `json:"min_cpus"`
	MaxCPUs  int       `json:"max_cpus"`
	GPUs     []string  `json:"gpus,omitempty"`
	Core     CoreRef   `json:"core"`
	WS       string    `json:"ws"`
	CS       []string  `json:"cs,omitempty"`
	Deadline float64   `json:"deadline"` // seconds from request.time
	Timeout  float64   `json:"timeout"`
	Credit   float64   `json:"credit"`
}

// CoreRef names the required kernel package by canonical URL and hash.
type CoreRef struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Type   int    `json:"type"` // kernel type, rendered as hex "XX" in usage attribute
}

// AssignResponse is the assign-server's reply.
type AssignResponse struct {
	Request    json.RawMessage    `json:"request"`
	Assignment AssignmentEnvelope `json:"assignment"`
}

// WorkUnitEnvelope is the {data, certificate, intermediate, signature}
// block returned by the work server alongside the base64 kernel input.
type WorkUnitEnvelope struct {
	Data         WorkUnitData `json:"data"`
	Certificate  Certificate  `json:"certificate"`
	Intermediate string       `json:"intermediate,omitempty"`
	Signature    string       `json:"signature"`
}

// WorkUnitData carries the expected hash of the raw WU payload.
type WorkUnitData struct {
	SHA256 string `json:"sha256"`
}

// DownloadResponse is the work-server's reply to POST /api/assign.
type DownloadResponse struct {
	Request    json.RawMessage    `json:"request"`
	Assignment AssignmentEnvelope `json:"assignment"`
	WU         WorkUnitEnvelope   `json:"wu"`
	Data       string             `json:"data"` // base64 kernel input, stripped after persist
}

// ResultsEnvelope is POSTed to /api/results for both upload and dump.
type ResultsEnvelope struct {
	Request    json.RawMessage    `json:"request"`
	Assignment AssignmentEnvelope `json:"assignment"`
	WU         WorkUnitEnvelope   `json:"wu"`
	Status     string             `json:"status"` // "ok" or "dumped"
	SHA256     string             `json:"sha256,omitempty"`
	Signature  string             `json:"signature"`
	Data       string             `json:"data,omitempty"` // base64 results, omitted on dump
}

// MachineLinkBody is PUT to /machine/<client-id> to request linking.
type MachineLinkBody struct {
	Data      MachineLinkData `json:"data"`
	Signature string          `json:"signature"`
	PubKey    string          `json:"pubkey"`
}

// MachineLinkData names the machine being linked and carries the token.
type MachineLinkData struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// AccountInfo is the parsed response of GET /machine/<client-id>.
type AccountInfo struct {
	Node   string          `json:"node"`
	PubKey string          `json:"pubkey"` // SPKI PEM
	Config json.RawMessage `json:"config,omitempty"`
}

// LoginMessage is the first frame sent after the account WebSocket opens.
type LoginMessage struct {
	Type      string      `json:"type"` // "login"
	Payload   LoginPayload `json:"payload"`
	Signature string      `json:"signature"`
	PubKey    string      `json:"pubkey"`
}

// LoginPayload carries the RSA-OAEP-wrapped session key.
type LoginPayload struct {
	Time    int64  `json:"time"`
	Account string `json:"account"`
	Key     string `json:"key"` // base64(rsa_oaep_sha256(sessionKey, accountPubKey))
}

// MessageFrame is the post-login application-message envelope.
type MessageFrame struct {
	Type        string `json:"type"` // "message"
	Client      string `json:"client"`
	Session     string `json:"session"`
	IV          string `json:"iv"`      // base64, 16 random bytes
	Payload     string `json:"payload"` // base64(ciphertext)
	Compression string `json:"compression,omitempty"`
}

// BroadcastFrame is an account-signed server->client broadcast.
type BroadcastFrame struct {
	Type      string          `json:"type"` // "broadcast"
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}
