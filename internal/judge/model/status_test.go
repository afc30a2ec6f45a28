package model

import "testing"

func TestDependencyConditionSatisfies(t *testing.T) {
	cases := []struct {
		cond DependencyCondition
		pred Status
		want bool
	}{
		{CondAccepted, StatusAccepted, true},
		{CondAccepted, StatusPartiallyAccepted, false},
		{CondAccepted, StatusWrongAnswer, false},
		{CondPartialCorrect, StatusAccepted, true},
		{CondPartialCorrect, StatusPartiallyAccepted, true},
		{CondPartialCorrect, StatusWrongAnswer, false},
		{CondNonTimeLimit, StatusWrongAnswer, true},
		{CondNonTimeLimit, StatusMemoryLimitExceeded, true},
		{CondNonTimeLimit, StatusRuntimeError, true},
		{CondNonTimeLimit, StatusTimeLimitExceeded, false},
	}
	for _, tc := range cases {
		if got := tc.cond.Satisfies(tc.pred); got != tc.want {
			t.Errorf("%s.Satisfies(%s) = %v, want %v", tc.cond, tc.pred, got, tc.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusRunning.IsTerminal() || Status("").IsTerminal() {
		t.Fatal("pending/running must not be terminal")
	}
	for _, status := range []Status{
		StatusAccepted, StatusWrongAnswer, StatusSystemError,
		StatusDependencyNotSatisfied, StatusTimeLimitExceeded,
	} {
		if !status.IsTerminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}

func TestSubmissionDone(t *testing.T) {
	sub := &Submission{
		Tasks:   []JudgeTask{{}, {}},
		Results: []JudgeResult{{Status: StatusAccepted}, {Status: StatusRunning}},
	}
	if sub.Done() {
		t.Fatal("submission with a running task is not done")
	}
	sub.Results[1].Status = StatusWrongAnswer
	if !sub.Done() {
		t.Fatal("submission with all terminal results is done")
	}
}
