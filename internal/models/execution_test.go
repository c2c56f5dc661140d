package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseExecID(t *testing.T) {
	base, correction := ParseExecID("00012345.01.1234.01")
	assert.Equal(t, "00012345.01.1234", base)
	assert.Equal(t, 1, correction)
}

func TestParseExecID_NoCorrection(t *testing.T) {
	base, correction := ParseExecID("00012345")
	assert.Equal(t, "00012345", base)
	assert.Equal(t, 0, correction)
}

func TestBuildExecID_RoundTrip(t *testing.T) {
	assert.Equal(t, "base.2", BuildExecID("base", 2))
	assert.Equal(t, "base", BuildExecID("base", 0))
}

func TestExecution_Supersedes(t *testing.T) {
	older := Execution{BaseExecID: "base", UTCTime: time.Unix(100, 0)}
	newer := Execution{BaseExecID: "base", UTCTime: time.Unix(200, 0)}
	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))
}
