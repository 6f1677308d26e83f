package wasm

import (
	"fmt"
	"sort"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/async"
)

// Generation is the version of the provider calling convention a guest was
// built against.
type Generation int

const (
	// GenerationAuto detects the generation from the guest's exports.
	GenerationAuto Generation = iota
	// Generation1 guests export invoke and never resolve an async value
	// before returning it.
	Generation1
	// Generation2 guests export the invoke2 family and may resolve an async
	// value before the export call returns.
	Generation2
)

func (g Generation) String() string {
	switch g {
	case GenerationAuto:
		return "auto"
	case Generation1:
		return "1"
	case Generation2:
		return "2"
	default:
		return fmt.Sprintf("generation(%d)", int(g))
	}
}

// Policy returns how the instance treats a resolution that arrives before
// the host awaits it.
func (g Generation) Policy() async.Policy {
	if g == Generation2 {
		return async.Cache
	}
	return async.Strict
}

// Operation names a guest export without its symbol prefix.
type Operation string

const (
	OpInvoke                 Operation = "invoke"
	OpInvoke2                Operation = "invoke2"
	OpGetSupportedQueryTypes Operation = "get_supported_query_types"
	OpCreateCells            Operation = "create_cells"
	OpExtractData            Operation = "extract_data"
	OpGetConfigSchema        Operation = "get_config_schema"
)

// Symbol returns the export symbol of op.
func (op Operation) Symbol() string {
	return abi.OperationSymbol(string(op))
}

type operationInfo struct {
	op    Operation
	arity int
	async bool
	gen   Generation
	// fallback is an older export that can serve op through a conversion.
	fallback Operation
}

var knownOperations = []operationInfo{
	{op: OpInvoke, arity: 2, async: true, gen: Generation1},
	{op: OpInvoke2, arity: 1, async: true, gen: Generation2, fallback: OpInvoke},
	{op: OpGetSupportedQueryTypes, arity: 1, async: true, gen: Generation2},
	{op: OpCreateCells, arity: 2, gen: Generation2},
	{op: OpExtractData, arity: 3, gen: Generation2},
	{op: OpGetConfigSchema, arity: 0, gen: Generation2},
}

// requiredExports must be present in every guest.
var requiredExports = []string{
	abi.ExportMalloc,
	abi.ExportFree,
	abi.ExportResolveAsyncValue,
}

// ExportDescriptor describes how an operation maps onto a guest export.
type ExportDescriptor struct {
	Operation Operation
	// Symbol is the export actually called. It differs from
	// Operation.Symbol() when the operation is served by a fallback.
	Symbol string
	Arity  int
	Async  bool
	// Fallback is set when Symbol belongs to an older operation. Only a
	// typed wrapper can bridge the two result types, so no raw wrapper is
	// offered.
	Fallback bool
}

// Raw reports whether the operation has a raw (bytes in, bytes out) wrapper.
func (d ExportDescriptor) Raw() bool {
	return !d.Fallback
}

// Capabilities is the set of operations a guest offers, computed once from
// its exports.
type Capabilities struct {
	Generation Generation
	exports    map[Operation]ExportDescriptor
}

// DetectCapabilities builds the capabilities of a guest. exported reports
// whether a function symbol is exported. A guest exporting any second
// generation symbol is a Generation2 guest.
func DetectCapabilities(exported func(symbol string) bool) Capabilities {
	caps := Capabilities{
		Generation: Generation1,
		exports:    make(map[Operation]ExportDescriptor),
	}
	for _, info := range knownOperations {
		if !exported(info.op.Symbol()) {
			continue
		}
		caps.exports[info.op] = ExportDescriptor{
			Operation: info.op,
			Symbol:    info.op.Symbol(),
			Arity:     info.arity,
			Async:     info.async,
		}
		if info.gen == Generation2 {
			caps.Generation = Generation2
		}
	}
	for _, info := range knownOperations {
		if info.fallback == "" {
			continue
		}
		if _, ok := caps.exports[info.op]; ok {
			continue
		}
		if old, ok := caps.exports[info.fallback]; ok {
			caps.exports[info.op] = ExportDescriptor{
				Operation: info.op,
				Symbol:    old.Symbol,
				Arity:     old.Arity,
				Async:     old.Async,
				Fallback:  true,
			}
		}
	}
	return caps
}

// Lookup returns the descriptor of op.
func (c Capabilities) Lookup(op Operation) (ExportDescriptor, bool) {
	d, ok := c.exports[op]
	return d, ok
}

// Has reports whether op can be called through a typed wrapper.
func (c Capabilities) Has(op Operation) bool {
	_, ok := c.exports[op]
	return ok
}

// HasRaw reports whether op can be called through a raw wrapper.
func (c Capabilities) HasRaw(op Operation) bool {
	d, ok := c.exports[op]
	return ok && d.Raw()
}

// Operations lists the available operations in name order.
func (c Capabilities) Operations() []Operation {
	ops := make([]Operation, 0, len(c.exports))
	for op := range c.exports {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// WithGeneration returns c with the generation forced to g. GenerationAuto
// keeps the detected one.
func (c Capabilities) WithGeneration(g Generation) Capabilities {
	if g != GenerationAuto {
		c.Generation = g
	}
	return c
}

// missingExport returns the first required export that is absent.
func missingExport(exported func(symbol string) bool) (string, bool) {
	for _, name := range requiredExports {
		if !exported(name) {
			return name, true
		}
	}
	return "", false
}
