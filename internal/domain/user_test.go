package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	for _, s := range []string{"staff", "rp", "user"} {
		role, ok := ParseRole(s)
		assert.True(t, ok, s)
		assert.Equal(t, Role(s), role)
	}

	_, ok := ParseRole("admin")
	assert.False(t, ok)
	_, ok = ParseRole("")
	assert.False(t, ok)
}

func TestUserRef_Path(t *testing.T) {
	tests := []struct {
		ref  UserRef
		path string
	}{
		{UserRef{Role: RoleStaff, UID: "42"}, "staff/42"},
		{UserRef{Role: RoleRP, UID: "42"}, "rp/42"},
		{UserRef{Role: RoleUser, UID: "42"}, "users/42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.path, tt.ref.Path())
	}

	assert.Equal(t, "user/42", UserRef{Role: RoleUser, UID: "42"}.String())
}
