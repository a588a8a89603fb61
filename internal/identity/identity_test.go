package identity

import (
	"regexp"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestDeriveKey_Deterministic(t *testing.T) {
	for i := 0; i < 200; i++ {
		name, folio, phone := gofakeit.Name(), gofakeit.Numerify("####"), normalize.Phone(gofakeit.Phone())
		k1 := DeriveKey(name, folio, phone)
		k2 := DeriveKey(name, folio, phone)
		assert.Equal(t, k1, k2)
		assert.Regexp(t, keyPattern, k1)
	}
}

func TestDeriveKey_Distinguishes(t *testing.T) {
	base := DeriveKey("Ana Ruiz", "100", "5551234")

	assert.NotEqual(t, base, DeriveKey("Ana Ruiz", "101", "5551234"))
	assert.NotEqual(t, base, DeriveKey("Ana Ruíz", "100", "5551234"))
	assert.NotEqual(t, base, DeriveKey("Ana Ruiz", "100", "5551235"))
	// the separator keeps field boundaries significant
	assert.NotEqual(t, DeriveKey("a", "bc", ""), DeriveKey("ab", "c", ""))
}

func TestDeriveKey_SameAfterNormalization(t *testing.T) {
	k1 := DeriveKey(normalize.Text("Ana Ruiz"), "100", normalize.Phone("555-1234"))
	k2 := DeriveKey(normalize.Text(" Ana  Ruiz "), "100", normalize.Phone("555 1234"))
	assert.Equal(t, k1, k2)
}

func TestDeriveKey_NoCollisionsInSample(t *testing.T) {
	seen := make(map[string]string, 5000)
	for i := 0; i < 5000; i++ {
		in := gofakeit.UUID()
		k := DeriveKey(in, "", "")
		if prev, ok := seen[k]; ok {
			t.Fatalf("collision between %q and %q", prev, in)
		}
		seen[k] = in
	}
}
