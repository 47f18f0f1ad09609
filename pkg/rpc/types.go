package rpc

import (
	"encoding/json"

	"github.com/fortiblox/tfxvm/pkg/capture"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/layout"
	"github.com/fortiblox/tfxvm/pkg/tfx/vm"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for blob data.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// VersionInfo is the getVersion result.
type VersionInfo struct {
	TFXVM     string `json:"tfxvm"`
	Container uint16 `json:"container"`
}

// TechniqueInfo summarizes a loaded technique.
type TechniqueInfo struct {
	Name      string   `json:"name"`
	Hash      string   `json:"hash"`
	Registers int      `json:"registers"`
	Samplers  int      `json:"samplers"`
	Externs   []string `json:"externs"`
	Constants int      `json:"constants"`
	Size      uint32   `json:"size"`
	Unknowns  int      `json:"unknownOpcodes"`
}

// TechniqueDetail is the getTechnique result.
type TechniqueDetail struct {
	TechniqueInfo
	Layout  string         `json:"layout"`
	Entries []layout.Entry `json:"entries"`
}

// DisassembleResult is the disassemble result.
type DisassembleResult struct {
	Hash         string `json:"hash"`
	Instructions int    `json:"instructions"`
	Unknowns     int    `json:"unknownOpcodes"`
	Listing      string `json:"listing"`
}

// EvaluateConfig configures an evaluate request.
type EvaluateConfig struct {
	// Externs are "slot.field" overrides on top of the server defaults.
	Externs map[string][]float64 `json:"externs,omitempty"`

	// GlobalChannels overrides global channels by index.
	GlobalChannels map[uint8][4]float32 `json:"globalChannels,omitempty"`

	Samplers []uint64 `json:"samplers,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// EvaluateResult is the evaluate result.
type EvaluateResult struct {
	Technique string       `json:"technique"`
	Size      int          `json:"size"`
	Blob      []string     `json:"blob"`
	Bindings  []vm.Binding `json:"bindings,omitempty"`
	Stats     vm.Stats     `json:"stats"`
	Error     string       `json:"error,omitempty"`
}

// StatsResult is the getStats result.
type StatsResult struct {
	Techniques int            `json:"techniques"`
	Evaluator  executor.Stats `json:"evaluator"`
	Problems   int            `json:"problems"`
}

// CaptureList is the getCapture result when no frame is given.
type CaptureList struct {
	Frames []uint64 `json:"frames"`
}

// VerifyResult is the verifyCapture result.
type VerifyResult struct {
	Frame      uint64             `json:"frame"`
	OK         bool               `json:"ok"`
	Mismatches []capture.Mismatch `json:"mismatches"`
}
