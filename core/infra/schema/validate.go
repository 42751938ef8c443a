package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledCache holds already-compiled schemas keyed by id+content hash.
// The LLM client (internal/llmclient) validates the same structured-output
// schema on every call and again on every repair retry, so recompiling it
// from scratch each time is pure waste; this lets repeated calls with an
// unchanged schema skip straight to Validate.
var (
	compiledCacheMu sync.Mutex
	compiledCache   = map[string]*jsonschema.Schema{}
)

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	compiled, err := compileCached(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compileCached(id string, schema []byte) (*jsonschema.Schema, error) {
	cacheKey := id + ":" + contentHash(schema)

	compiledCacheMu.Lock()
	if cached, ok := compiledCache[cacheKey]; ok {
		compiledCacheMu.Unlock()
		return cached, nil
	}
	compiledCacheMu.Unlock()

	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	compiledCacheMu.Lock()
	compiledCache[cacheKey] = compiled
	compiledCacheMu.Unlock()
	return compiled, nil
}

func contentHash(schema []byte) string {
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:])
}

// ValidateMap validates a value against an inline schema map.
func ValidateMap(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return ValidateSchema("inline", data, value)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
