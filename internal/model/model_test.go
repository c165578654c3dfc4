package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/model"
)

func TestParseCommandKind(t *testing.T) {
	tests := []struct {
		name    string
		want    model.CommandKind
		wantErr bool
	}{
		{name: "run", want: model.CommandRun},
		{name: "agents", want: model.CommandAgents},
		{name: "trace", want: model.CommandTrace},
		{name: "confirm", want: model.CommandConfirm},
		{name: "deploy-everything", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := model.ParseCommandKind(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.True(t, model.RunStatusSuccess.Terminal())
	assert.True(t, model.RunStatusFailure.Terminal())
	assert.True(t, model.RunStatusCancelled.Terminal())
	assert.True(t, model.RunStatusCompleted.Terminal())
	assert.False(t, model.RunStatusQueued.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.False(t, model.RunStatusUnknown.Terminal())
}

func TestAlertFingerprint(t *testing.T) {
	a := model.AlertFingerprint(model.SeverityError, "dispatch_failed")
	b := model.AlertFingerprint(model.SeverityError, "dispatch_failed")
	c := model.AlertFingerprint(model.SeverityCritical, "dispatch_failed")
	d := model.AlertFingerprint(model.SeverityError, "poll_timeout")

	assert.Equal(t, a, b, "same severity and category must collide")
	assert.NotEqual(t, a, c, "severity is part of the fingerprint")
	assert.NotEqual(t, a, d, "category is part of the fingerprint")
	assert.Len(t, a, 16)
}

func TestValidateCommand(t *testing.T) {
	valid := model.Command{
		Name:       model.CommandRun,
		Requester:  "alice",
		Parameters: map[string]string{"job": "deploy"},
	}
	require.NoError(t, model.ValidateCommand(valid))

	noRequester := valid
	noRequester.Requester = ""
	assert.Error(t, model.ValidateCommand(noRequester))

	bigValue := valid
	bigValue.Parameters = map[string]string{"job": strings.Repeat("x", model.MaxParameterValueLen+1)}
	assert.Error(t, model.ValidateCommand(bigValue))

	tooMany := valid
	tooMany.Parameters = map[string]string{}
	for i := 0; i < model.MaxParameters+1; i++ {
		tooMany.Parameters[strings.Repeat("k", i+1)] = "v"
	}
	assert.Error(t, model.ValidateCommand(tooMany))
}
