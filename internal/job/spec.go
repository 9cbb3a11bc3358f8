package job

import (
	"fmt"
	"maps"
	"processagent/internal/apperrors"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Environment entries injected into every job the agent creates. They let the
// agent correlate scheduler records back to its own jobs, even after a restart.
const (
	EnvAgentID    = "EAI_PROCESS_AGENT"
	EnvAgentIndex = "EAI_PROCESS_AGENT_INDEX"
)

// Restart policies. The scheduler's own restart-on-interruption is refused:
// the agent reruns interrupted jobs itself.
const (
	RestartNo             = "no"
	RestartOnInterruption = "on-interruption"
)

const (
	defaultReqCores        = 1
	defaultReqRAMGigabytes = 1
)

// Spec describes the work of one job as submitted to the scheduler.
type Spec struct {
	Name            string         `json:"name,omitempty" yaml:"name,omitempty" diff:"name"`
	Image           string         `json:"image" yaml:"image" diff:"image"`
	Command         []string       `json:"command" yaml:"command" diff:"command"`
	EnvironmentVars []string       `json:"environmentVars" yaml:"environmentVars" diff:"environmentVars"`
	Labels          []string       `json:"labels" yaml:"labels" diff:"labels"`
	Volumes         []string       `json:"volumes" yaml:"volumes" diff:"volumes"`
	Workdir         string         `json:"workdir,omitempty" yaml:"workdir,omitempty" diff:"workdir"`
	Interactive     bool           `json:"interactive" yaml:"interactive" diff:"interactive"`
	Preemptable     bool           `json:"preemptable" yaml:"preemptable" diff:"preemptable"`
	Stdin           bool           `json:"stdin" yaml:"stdin" diff:"stdin"`
	MaxRunTimeSecs  int            `json:"maxRunTimeSecs" yaml:"maxRunTimeSecs" diff:"maxRunTimeSecs"`
	ReqCores        int            `json:"reqCores" yaml:"reqCores" diff:"reqCores"`
	ReqGpus         int            `json:"reqGpus" yaml:"reqGpus" diff:"reqGpus"`
	ReqRAMGbytes    int            `json:"reqRamGbytes" yaml:"reqRamGbytes" diff:"reqRamGbytes"`
	Restart         string         `json:"restart" yaml:"restart" diff:"restart"`
	Data            map[string]any `json:"data" yaml:"data" diff:"data"`
	Options         map[string]any `json:"options" yaml:"options" diff:"options"`
}

// Clone returns a copy of s that shares no slices or top-level maps with it.
func (s Spec) Clone() Spec {
	s.Command = slices.Clone(s.Command)
	s.EnvironmentVars = slices.Clone(s.EnvironmentVars)
	s.Labels = slices.Clone(s.Labels)
	s.Volumes = slices.Clone(s.Volumes)
	s.Data = maps.Clone(s.Data)
	s.Options = maps.Clone(s.Options)
	return s
}

// Env returns the value of an environment entry ("KEY=value").
func (s Spec) Env(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range s.EnvironmentVars {
		if v, ok := strings.CutPrefix(kv, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// SetEnv sets an environment entry, replacing any previous value for key.
func (s *Spec) SetEnv(key, value string) {
	prefix := key + "="
	s.EnvironmentVars = slices.DeleteFunc(s.EnvironmentVars, func(kv string) bool {
		return strings.HasPrefix(kv, prefix)
	})
	s.EnvironmentVars = append(s.EnvironmentVars, prefix+value)
}

// EnvMap returns the environment entries as a map. Entries without "=" map to "".
func (s Spec) EnvMap() map[string]string {
	out := make(map[string]string, len(s.EnvironmentVars))
	for _, kv := range s.EnvironmentVars {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

// withDefaults fills unspecified fields with the scheduler defaults.
func (s Spec) withDefaults() Spec {
	if s.Command == nil {
		s.Command = []string{}
	}
	if s.EnvironmentVars == nil {
		s.EnvironmentVars = []string{}
	}
	if s.Labels == nil {
		s.Labels = []string{}
	}
	if s.Volumes == nil {
		s.Volumes = []string{}
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.Options == nil {
		s.Options = map[string]any{}
	}
	if s.ReqCores <= 0 {
		s.ReqCores = defaultReqCores
	}
	if s.ReqRAMGbytes <= 0 {
		s.ReqRAMGbytes = defaultReqRAMGigabytes
	}
	if s.Restart == "" {
		s.Restart = RestartNo
	}
	return s
}

// Options carries the identity the agent stamps on the jobs it creates.
type Options struct {
	AgentID    string
	User       string
	NamePrefix string
}

// Augment validates a caller-supplied spec and returns the spec actually
// submitted: defaults applied, identifying environment injected and a name
// generated when none was given.
func Augment(index int, spec Spec, opts Options) (Spec, error) {
	out := spec.Clone().withDefaults()

	switch out.Restart {
	case RestartNo:
	case RestartOnInterruption:
		return Spec{}, apperrors.Validation("restart",
			"restart policy on-interruption is not allowed, interrupted jobs are rerun by the agent")
	default:
		return Spec{}, apperrors.Validationf("restart", "unknown restart policy %q", out.Restart)
	}

	if out.Name == "" {
		out.Name = generateName(opts.NamePrefix, opts.AgentID)
	}
	out.SetEnv(EnvAgentID, opts.AgentID)
	out.SetEnv(EnvAgentIndex, strconv.Itoa(index))
	return out, nil
}

func generateName(prefix, agentID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s-%s", agentID, suffix)
	if prefix != "" {
		name = prefix + "-" + name
	}
	return name
}
