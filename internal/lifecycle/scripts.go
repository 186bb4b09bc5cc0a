package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
)

// RenderScript substitutes {{name}} placeholders with values from vars.
// Unknown placeholders are left as-is so a missing variable is visible in
// the script output rather than silently blanked.
func RenderScript(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// scriptVars builds the template context for a runner's scripts: the
// claim-time env_data plus engine-provided variables.
func scriptVars(r *domain.Runner, extra map[string]string) map[string]string {
	vars := make(map[string]string, len(r.EnvData)+len(extra)+2)
	for k, v := range r.EnvData {
		vars[k] = v
	}
	vars["runner_id"] = r.ID.String()
	vars["runner_ip"] = r.IP
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// ScriptRunner executes an image's lifecycle script on a runner over SSH.
// The scripts store is consulted for the event; a missing script is not an
// error, it simply means nothing to run.
type ScriptRunner struct {
	scripts api.ScriptStore
}

// NewScriptRunner creates a ScriptRunner over the given store.
func NewScriptRunner(scripts api.ScriptStore) *ScriptRunner {
	return &ScriptRunner{scripts: scripts}
}

// RunEvent renders and executes the image's script for the given event.
// Returns (false, nil) when the image has no script for the event.
func (s *ScriptRunner) RunEvent(ctx context.Context, drv cloud.Driver, privateKeyPEM string, r *domain.Runner, imageID uuid.UUID, event domain.ScriptEvent, extra map[string]string) (bool, error) {
	script, err := s.scripts.GetScript(ctx, imageID, event)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s script: %w", event, err)
	}

	body := RenderScript(script.Body, scriptVars(r, extra))
	res, err := drv.RunScript(ctx, r.IP, privateKeyPEM, body)
	if err != nil {
		return true, fmt.Errorf("run %s script: %w", event, err)
	}
	if res.ExitCode != 0 {
		return true, fmt.Errorf("%s script exited %d: %s", event, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return true, nil
}
