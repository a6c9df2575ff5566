package mutation

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Domain prefixes keep keyed and payload-derived ids in disjoint hash spaces.
// The version suffix leaves room for a future algorithm change.
const (
	DomainKeyed   = "tabkiosk/mutation/key/v1"
	DomainPayload = "tabkiosk/mutation/payload/v1"
)

// ID derives the deterministic identifier of a logical action.
//
// When operationKey is non-empty the id depends only on
// tenant|aggregate|type|operationKey, so callers can pin an idempotency key
// that survives payload changes (for example "add:<lineId>").
// Otherwise the payload is rendered as canonical JSON and hashed together
// with tenant, aggregate and type.
//
// The first 16 bytes of the SHA-256 digest are formatted as a UUID-shaped
// string. ID performs no I/O and reads no clock or randomness.
func ID(tenantID, aggregateID string, t Type, operationKey string, payload Object) (string, error) {
	if tenantID == "" || aggregateID == "" {
		return "", fmt.Errorf("mutation id: tenant and aggregate are required")
	}
	if !t.Valid() {
		return "", fmt.Errorf("mutation id: unknown type %q", t)
	}

	if operationKey != "" {
		data := tenantID + "|" + aggregateID + "|" + string(t) + "|" + operationKey
		return hashWithDomain(DomainKeyed, []byte(data)), nil
	}

	if payload == nil {
		payload = Object{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("mutation id: canonical payload: %w", err)
	}
	data := make([]byte, 0, len(tenantID)+len(aggregateID)+len(t)+len(canonical)+3)
	data = append(data, tenantID...)
	data = append(data, '|')
	data = append(data, aggregateID...)
	data = append(data, '|')
	data = append(data, t...)
	data = append(data, '|')
	data = append(data, canonical...)
	return hashWithDomain(DomainPayload, data), nil
}

// MustID is like ID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustID(tenantID, aggregateID string, t Type, operationKey string, payload Object) string {
	id, err := ID(tenantID, aggregateID, t, operationKey, payload)
	if err != nil {
		panic(err)
	}
	return id
}

// hashWithDomain computes SHA256(domain + 0x00 + data) and renders the first
// 16 bytes as a UUID string. The null separator removes any ambiguity at the
// domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	sum := h.Sum(nil)

	var u uuid.UUID
	copy(u[:], sum[:16])
	return u.String()
}
