package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoodleSettings_Empty(t *testing.T) {
	assert.True(t, MoodleSettings{}.Empty())
	assert.True(t, MoodleSettings{Username: "u", Password: "p"}.Empty())
	assert.False(t, MoodleSettings{Username: "u", Password: "p", SiteURL: "https://moodle.example"}.Empty())
}

func TestAccount_Validate(t *testing.T) {
	assert.NoError(t, Account{ID: "123", SchemaVersion: CurrentSchemaVersion}.Validate())

	err := Account{ID: "  "}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidAccount))

	err = Account{ID: "1", ApplicationCount: -1}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidAccount))

	err = Account{ID: "1", SchemaVersion: CurrentSchemaVersion + 1}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidAccount))
}
