//go:build linux

package seccomp

import (
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	appErr "judged/pkg/errors"
)

// Apply compiles the policy and loads it into the kernel. It must be
// the last restriction installed before exec.
func Apply(policy *Policy) error {
	filter, err := compile(policy)
	if err != nil {
		return err
	}
	defer filter.Release()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrapf(err, appErr.SeccompError, "set no_new_privs failed")
	}
	if err := filter.Load(); err != nil {
		return appErr.Wrapf(err, appErr.SeccompError, "load seccomp filter failed")
	}
	return nil
}

func compile(policy *Policy) (*seccomp.ScmpFilter, error) {
	defaultAction, err := parseAction(policy.DefaultAction)
	if err != nil {
		return nil, err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SeccompError, "create seccomp filter failed")
	}

	for _, rule := range policy.Syscalls {
		action, err := parseAction(rule.Action)
		if err != nil {
			filter.Release()
			return nil, err
		}
		conditions, err := buildConditions(rule.Args)
		if err != nil {
			filter.Release()
			return nil, err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown syscalls on this kernel are skipped rather
				// than rejected, so one policy serves multiple arches.
				continue
			}
			if len(conditions) == 0 {
				err = filter.AddRule(call, action)
			} else {
				err = filter.AddRuleConditional(call, action, conditions)
			}
			if err != nil {
				filter.Release()
				return nil, appErr.Wrapf(err, appErr.SeccompError, "add rule for %s failed", name)
			}
		}
	}
	return filter, nil
}

func parseAction(action string) (seccomp.ScmpAction, error) {
	switch action {
	case ActionAllow:
		return seccomp.ActAllow, nil
	case ActionErrno:
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case ActionKill:
		return seccomp.ActKillProcess, nil
	}
	return seccomp.ActKillProcess, appErr.Newf(appErr.SeccompError, "unsupported seccomp action: %s", action)
}

func buildConditions(args []ArgRule) ([]seccomp.ScmpCondition, error) {
	if len(args) == 0 {
		return nil, nil
	}
	conditions := make([]seccomp.ScmpCondition, 0, len(args))
	for _, arg := range args {
		op, err := parseCompareOp(arg.Op)
		if err != nil {
			return nil, err
		}
		var cond seccomp.ScmpCondition
		if op == seccomp.CompareMaskedEqual {
			cond, err = seccomp.MakeCondition(arg.Index, op, arg.Value, arg.ValueTwo)
		} else {
			cond, err = seccomp.MakeCondition(arg.Index, op, arg.Value)
		}
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.SeccompError, "build arg condition failed")
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

func parseCompareOp(op string) (seccomp.ScmpCompareOp, error) {
	switch op {
	case "SCMP_CMP_EQ":
		return seccomp.CompareEqual, nil
	case "SCMP_CMP_NE":
		return seccomp.CompareNotEqual, nil
	case "SCMP_CMP_LT":
		return seccomp.CompareLess, nil
	case "SCMP_CMP_LE":
		return seccomp.CompareLessOrEqual, nil
	case "SCMP_CMP_GT":
		return seccomp.CompareGreater, nil
	case "SCMP_CMP_GE":
		return seccomp.CompareGreaterEqual, nil
	case "SCMP_CMP_MASKED_EQ":
		return seccomp.CompareMaskedEqual, nil
	}
	return seccomp.CompareEqual, appErr.Newf(appErr.SeccompError, "unsupported compare op: %s", op)
}
