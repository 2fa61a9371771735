package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func factory() (interface{}, error) { return struct{}{}, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("chat", "text_analyzer", factory))

	got, err := r.Lookup("chat", "text_analyzer")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("chat", "text_analyzer", factory))

	err := r.Register("chat", "text_analyzer", factory)
	require.Error(t, err)
	var dup *ErrAlreadyRegistered
	require.ErrorAs(t, err, &dup)
}

func TestLookupMissingFails(t *testing.T) {
	r := New()
	_, err := r.Lookup("chat", "does_not_exist")
	require.Error(t, err)
	var notFound *ErrServiceNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestRegisterRejectsEmptyKeys(t *testing.T) {
	r := New()
	require.Error(t, r.Register("", "text_analyzer", factory))
	require.Error(t, r.Register("chat", "", factory))
}

func TestDifferentModesAreIndependent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("chat", "text_analyzer", factory))
	require.NoError(t, r.Register("analyze", "text_analyzer", factory))

	_, err := r.Lookup("chat", "text_analyzer")
	require.NoError(t, err)
	_, err = r.Lookup("analyze", "text_analyzer")
	require.NoError(t, err)
}
