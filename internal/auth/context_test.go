// ABOUTME: Tests for identity propagation through context.Context
// ABOUTME: Covers WithIdentity, FromContext and the MustFromContext panic

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	id := &Identity{Subject: "user-1"}
	ctx := WithIdentity(context.Background(), id)
	assert.Same(t, id, FromContext(ctx))
	assert.Same(t, id, MustFromContext(ctx))
}

func TestMustFromContextPanics(t *testing.T) {
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
