package mutation

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidShape = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestIDDeterminism(t *testing.T) {
	payload := Object{"line_id": String("line-1"), "qty": Int(2)}

	id1, err := ID("tenant-1", "tab-1", TypeUpdateItemQty, "", payload)
	require.NoError(t, err)
	id2, err := ID("tenant-1", "tab-1", TypeUpdateItemQty, "", payload)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "ID must be deterministic")
	assert.Regexp(t, uuidShape, id1)
}

func TestIDIgnoresKeyOrder(t *testing.T) {
	a := Object{"qty": Int(2), "line_id": String("line-1")}
	b := Object{"line_id": String("line-1"), "qty": Int(2)}

	assert.Equal(t,
		MustID("tenant-1", "tab-1", TypeUpdateItemQty, "", a),
		MustID("tenant-1", "tab-1", TypeUpdateItemQty, "", b),
	)
}

func TestIDChangesWithInput(t *testing.T) {
	payload := Object{"qty": Int(2)}
	base := MustID("tenant-1", "tab-1", TypeUpdateItemQty, "", payload)

	assert.NotEqual(t, base, MustID("tenant-2", "tab-1", TypeUpdateItemQty, "", payload), "tenant")
	assert.NotEqual(t, base, MustID("tenant-1", "tab-2", TypeUpdateItemQty, "", payload), "aggregate")
	assert.NotEqual(t, base, MustID("tenant-1", "tab-1", TypeRemoveItem, "", payload), "type")
	assert.NotEqual(t, base, MustID("tenant-1", "tab-1", TypeUpdateItemQty, "", Object{"qty": Int(3)}), "payload")
}

func TestIDOperationKeyIgnoresPayload(t *testing.T) {
	id1 := MustID("tenant-1", "tab-1", TypeAddItem, "add:line-1", Object{"qty": Int(1)})
	id2 := MustID("tenant-1", "tab-1", TypeAddItem, "add:line-1", Object{"qty": Int(9)})
	id3 := MustID("tenant-1", "tab-1", TypeAddItem, "add:line-2", Object{"qty": Int(1)})

	assert.Equal(t, id1, id2, "operation key pins the id regardless of payload")
	assert.NotEqual(t, id1, id3)
}

func TestIDKeyedAndPayloadSpacesDiffer(t *testing.T) {
	keyed := MustID("tenant-1", "tab-1", TypeOpenTab, "open:tab-1", nil)
	derived := MustID("tenant-1", "tab-1", TypeOpenTab, "", Object{})
	assert.NotEqual(t, keyed, derived)
}

func TestIDValidation(t *testing.T) {
	_, err := ID("", "tab-1", TypeOpenTab, "k", nil)
	require.Error(t, err)

	_, err = ID("tenant-1", "tab-1", Type("BOGUS"), "k", nil)
	require.Error(t, err)

	_, err = ID("tenant-1", "tab-1", TypeAddItem, "", Object{"price": nil})
	require.Error(t, err)
}
