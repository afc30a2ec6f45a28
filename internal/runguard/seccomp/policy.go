// Package seccomp loads the syscall allow-list policy and compiles it
// into an in-kernel filter.
package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	appErr "judged/pkg/errors"
)

// Actions accepted in a policy file.
const (
	ActionAllow = "SCMP_ACT_ALLOW"
	ActionErrno = "SCMP_ACT_ERRNO"
	ActionKill  = "SCMP_ACT_KILL"
)

// ArgRule constrains one syscall argument. For SCMP_CMP_MASKED_EQ,
// Value is the mask and ValueTwo the expected masked result.
type ArgRule struct {
	Index    uint   `json:"index"`
	Op       string `json:"op"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
}

// SyscallRule maps syscall names to an action, optionally constrained
// by argument values.
type SyscallRule struct {
	Names  []string  `json:"names"`
	Action string    `json:"action"`
	Args   []ArgRule `json:"args"`
}

// Policy is the human-written syscall policy: a default action plus
// per-syscall rules.
type Policy struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []SyscallRule `json:"syscalls"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SeccompError, "read seccomp policy failed")
	}
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, appErr.Wrapf(err, appErr.SeccompError, "parse seccomp policy failed")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks action names and rejects rules that give the same
// syscall conflicting actions at the same argument mask.
func (p *Policy) Validate() error {
	switch p.DefaultAction {
	case ActionErrno, ActionKill:
	default:
		return appErr.Newf(appErr.SeccompError, "unsupported default action: %s", p.DefaultAction)
	}

	seen := make(map[string]string)
	for _, rule := range p.Syscalls {
		switch rule.Action {
		case ActionAllow, ActionErrno, ActionKill:
		default:
			return appErr.Newf(appErr.SeccompError, "unsupported action: %s", rule.Action)
		}
		mask := argMask(rule.Args)
		for _, name := range rule.Names {
			if name == "" {
				return appErr.New(appErr.SeccompError).WithMessage("empty syscall name in policy")
			}
			key := name + "|" + mask
			if prev, ok := seen[key]; ok && prev != rule.Action {
				return appErr.Newf(appErr.SeccompError, "conflicting actions for syscall %s at the same argument mask", name)
			}
			seen[key] = rule.Action
		}
	}
	return nil
}

// argMask canonicalizes the argument constraints of a rule so that two
// rules over the same constraint compare equal.
func argMask(args []ArgRule) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprintf("%d:%s:%d:%d", arg.Index, arg.Op, arg.Value, arg.ValueTwo))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
