package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(UnknownEntity, "no entity %q", "depot").WithEntity("depot")
	assert.Equal(t, `UNKNOWN_ENTITY: no entity "depot" (entity=depot)`, err.Error())

	detailed := New(InvalidCoordinate, "latitude out of range").
		WithDetail("lat", "91").
		WithDetail("field", "position")
	assert.Equal(t, "INVALID_COORDINATE: latitude out of range [field=position lat=91]", detailed.Error())
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := New(QuotaExceeded, "too many").WithDetail("limit", "4")
	_ = base.WithDetail("steps", "5")
	assert.Len(t, base.Details, 1)
}

func TestIsUnwrapsChains(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(DuplicateEntity, "exists"))
	assert.True(t, Is(err, DuplicateEntity))
	assert.False(t, Is(err, UnknownEntity))
	assert.False(t, Is(nil, DuplicateEntity))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IndexDivergence, cause, "apply batch")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestClassification(t *testing.T) {
	tests := []struct {
		code       Code
		fatal      bool
		validation bool
	}{
		{InvalidCoordinate, false, true},
		{UnknownEntity, false, true},
		{DuplicateEntity, false, true},
		{InvalidEvent, false, true},
		{QuotaExceeded, false, true},
		{CyclicDependency, true, false},
		{IndexDivergence, true, false},
		{Halted, true, false},
		{EffectTimeout, false, false},
		{EffectCancelled, false, false},
		{StaleResponse, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.Equal(t, tt.validation, IsValidation(err))
		})
	}
}
