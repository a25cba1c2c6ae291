package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	schema := []Field{{Name: "volume", Kind: KindString}}
	err := Validate(schema, Body{})
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.InvalidAPIParameters))
}

func TestValidateFillsOptionalDefault(t *testing.T) {
	schema := []Field{{Name: "recursive", Kind: KindBool, Optional: true, Default: false}}
	body := Body{}
	require.NoError(t, Validate(schema, body))
	assert.Equal(t, false, body["recursive"])
}

func TestValidateRejectsEscapingRelpath(t *testing.T) {
	schema := []Field{{Name: "relpath", Kind: KindRelpath}}
	err := Validate(schema, Body{"relpath": "../../etc/passwd"})
	require.Error(t, err)
}

func TestValidateAcceptsNestedRelpath(t *testing.T) {
	schema := []Field{{Name: "relpath", Kind: KindRelpath}}
	require.NoError(t, Validate(schema, Body{"relpath": "inner/file.txt"}))
}

func TestValidateRejectsMalformedVFID(t *testing.T) {
	schema := []Field{{Name: "vfid", Kind: KindUUID}}
	err := Validate(schema, Body{"vfid": "not-a-vfid"})
	require.Error(t, err)
}

func TestValidateRejectsNonHexVFIDOfCorrectLength(t *testing.T) {
	schema := []Field{{Name: "vfid", Kind: KindUUID}}
	vfid := "../../../../../../../etc/passwdx"
	require.Len(t, vfid, 32)
	// Same length as a real vfid but not hex: a path-traversal attempt
	// disguised as a vfid would otherwise sail past the length check and
	// reach Mangle unguarded.
	err := Validate(schema, Body{"vfid": vfid})
	require.Error(t, err)
}

func TestValidateParsesTruthyBoolStrings(t *testing.T) {
	schema := []Field{{Name: "recursive", Kind: KindBool}}
	require.NoError(t, Validate(schema, Body{"recursive": "yes"}))
	assert.True(t, ParseBool("yes"))
	assert.False(t, ParseBool("nope"))
}

func TestValidateRejectsNonIntegerSize(t *testing.T) {
	schema := []Field{{Name: "size", Kind: KindByteSize}}
	err := Validate(schema, Body{"size": "not-a-number"})
	require.Error(t, err)
}
