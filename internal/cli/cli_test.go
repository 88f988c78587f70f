package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "jobdispatcherd", cmd.Use)

	commands := cmd.Commands()
	assert.Len(t, commands, 6)

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["submit"])
	assert.True(t, names["jobs"])
	assert.True(t, names["info"])
	assert.True(t, names["finished"])
	assert.True(t, names["cancel"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommandHasRoleFlag(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	roleFlag := cmd.Flags().Lookup("role")
	assert.NotNil(t, roleFlag)
	assert.Equal(t, "all", roleFlag.DefValue)
}

func TestBuildSubmitCommandHasFileAndHandlerTypeFlags(t *testing.T) {
	cmd := buildSubmitCommand()
	assert.Equal(t, "submit", cmd.Use)

	fileFlag := cmd.Flags().Lookup("file")
	assert.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)

	handlerFlag := cmd.Flags().Lookup("handler-type")
	assert.NotNil(t, handlerFlag)
}

func TestBuildInfoAndCancelCommandsHaveJobIDFlag(t *testing.T) {
	info := buildInfoCommand()
	assert.NotNil(t, info.Flags().Lookup("job-id"))

	cancel := buildCancelCommand()
	assert.NotNil(t, cancel.Flags().Lookup("job-id"))

	finished := buildFinishedCommand()
	assert.NotNil(t, finished.Flags().Lookup("job-id"))
}

func TestRunPipelineRejectsUnknownRole(t *testing.T) {
	err := runPipeline("bogus-role")
	assert.Error(t, err)
}
