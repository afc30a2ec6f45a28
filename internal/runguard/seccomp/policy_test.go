package seccomp

import (
	"os"
	"path/filepath"
	"testing"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `{
		"defaultAction": "SCMP_ACT_ERRNO",
		"syscalls": [
			{"names": ["read", "write"], "action": "SCMP_ACT_ALLOW"},
			{"names": ["openat"], "action": "SCMP_ACT_ALLOW",
			 "args": [{"index": 2, "op": "SCMP_CMP_MASKED_EQ", "value": 3, "valueTwo": 0}]},
			{"names": ["socket"], "action": "SCMP_ACT_KILL"}
		]
	}`)
	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.DefaultAction != ActionErrno {
		t.Fatalf("unexpected default action %s", policy.DefaultAction)
	}
	if len(policy.Syscalls) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(policy.Syscalls))
	}
}

func TestLoadPolicyBadDefault(t *testing.T) {
	path := writePolicy(t, `{"defaultAction": "SCMP_ACT_ALLOW", "syscalls": []}`)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected error for allow-by-default policy")
	}
}

func TestValidateConflictingRules(t *testing.T) {
	policy := &Policy{
		DefaultAction: ActionErrno,
		Syscalls: []SyscallRule{
			{Names: []string{"openat"}, Action: ActionAllow},
			{Names: []string{"openat"}, Action: ActionKill},
		},
	}
	if err := policy.Validate(); err == nil {
		t.Fatal("expected error for conflicting actions at the same mask")
	}
}

func TestValidateSameSyscallDifferentMask(t *testing.T) {
	policy := &Policy{
		DefaultAction: ActionErrno,
		Syscalls: []SyscallRule{
			{Names: []string{"openat"}, Action: ActionAllow,
				Args: []ArgRule{{Index: 2, Op: "SCMP_CMP_MASKED_EQ", Value: 3, ValueTwo: 0}}},
			{Names: []string{"openat"}, Action: ActionKill,
				Args: []ArgRule{{Index: 2, Op: "SCMP_CMP_MASKED_EQ", Value: 3, ValueTwo: 2}}},
		},
	}
	if err := policy.Validate(); err != nil {
		t.Fatalf("distinct masks must not conflict: %v", err)
	}
}

func TestValidateUnknownAction(t *testing.T) {
	policy := &Policy{
		DefaultAction: ActionKill,
		Syscalls:      []SyscallRule{{Names: []string{"read"}, Action: "SCMP_ACT_TRACE"}},
	}
	if err := policy.Validate(); err == nil {
		t.Fatal("expected error for unsupported action")
	}
}
