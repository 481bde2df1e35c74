package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// QueryQAStatus returns the live per-check state of a QA gate run.
const QueryQAStatus = "qa-status"

// QAGateInput configures a QA gate run. Empty agent ids fall back to the
// configured agents; a check without a fixer fails on its first failure.
type QAGateInput struct {
	ContentID        string        `json:"content_id"`
	ValidatorAgentID string        `json:"validator_agent_id,omitempty"`
	MediaAgentID     string        `json:"media_agent_id,omitempty"`
	LinkerAgentID    string        `json:"linker_agent_id,omitempty"`
	EditorAgentID    string        `json:"editor_agent_id,omitempty"`
	MaxFixAttempts   int           `json:"max_fix_attempts,omitempty"`
	RetryDelay       time.Duration `json:"retry_delay,omitempty"`
}

// QAGateResult is the gate verdict. Success reports that the gate ran to a
// verdict; Passed is the verdict itself.
type QAGateResult struct {
	Success      bool                  `json:"success"`
	ContentID    string                `json:"content_id"`
	Passed       bool                  `json:"passed"`
	Checks       []model.QACheckResult `json:"checks"`
	FixesApplied model.FixesApplied    `json:"fixes_applied"`
	FailedChecks []string              `json:"failed_checks,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// checkVerdict is the structured output of a validator task.
type checkVerdict struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// QAGate runs media relevance, broken links and editorial coherence in
// order, handing failures to the matching fixer agent until the check
// passes or its attempts run out.
func (p *Pipelines) QAGate(wctx *workflow.Context, in QAGateInput) (QAGateResult, error) {
	maxAttempts := orDefault(in.MaxFixAttempts, p.cfg.MaxFixAttempts)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := orDefault(in.RetryDelay, p.cfg.QARetryDelay)
	validator := p.agent(in.ValidatorAgentID, RoleValidator)

	checks := []*qaCheck{
		newQACheck(model.CheckMediaRelevance, "check_media_relevance", "fix_media", p.agent(in.MediaAgentID, RoleMedia), maxAttempts),
		newQACheck(model.CheckBrokenLinks, "check_broken_links", "fix_links", p.agent(in.LinkerAgentID, RoleLinker), maxAttempts),
		newQACheck(model.CheckEditorialCoherence, "check_editorial_coherence", "fix_editorial", p.agent(in.EditorAgentID, RoleEditor), maxAttempts),
	}
	status := newQAStatus(model.CheckMediaRelevance, model.CheckBrokenLinks, model.CheckEditorialCoherence)
	wctx.SetQueryHandler(QueryQAStatus, func(json.RawMessage) (any, error) {
		return status.snapshot(), nil
	})

	result := QAGateResult{ContentID: in.ContentID}
	note(wctx, in.ContentID, "🔍 QA gate started (max %d attempts per check)", maxAttempts)

	for _, chk := range checks {
		if err := p.runCheck(wctx, in.ContentID, validator, delay, chk, status); err != nil {
			result.Error = err.Error()
			return result, err
		}
		switch chk.name {
		case model.CheckMediaRelevance:
			result.FixesApplied.MediaFixes = chk.fixes
		case model.CheckBrokenLinks:
			result.FixesApplied.LinkFixes = chk.fixes
		case model.CheckEditorialCoherence:
			result.FixesApplied.EditorialFixes = chk.fixes
		}
	}

	result.Success = true
	result.Passed = true
	unresolved := make(map[string][]string)
	for _, chk := range checks {
		r := chk.result()
		result.Checks = append(result.Checks, r)
		if !r.Passed {
			result.Passed = false
			result.FailedChecks = append(result.FailedChecks, r.Name)
			unresolved[r.Name] = r.Issues
		}
	}

	if !wctx.IsReplaying() {
		p.metrics.RecordQAVerdict(result.Passed)
	}
	if result.Passed {
		note(wctx, in.ContentID, "✅ QA gate passed (%d fixes applied)", result.FixesApplied.Total())
		emit(wctx, model.EventQAGatePassed, map[string]any{
			"content_id":    in.ContentID,
			"fixes_applied": result.FixesApplied,
			"checks":        result.Checks,
		})
	} else {
		note(wctx, in.ContentID, "❌ QA gate failed: %s", strings.Join(result.FailedChecks, ", "))
		emit(wctx, model.EventQAGateFailed, map[string]any{
			"content_id":    in.ContentID,
			"failed_checks": result.FailedChecks,
			"issues":        unresolved,
		})
	}
	return result, nil
}

// runCheck drives one check to passed or to a failure it cannot fix.
func (p *Pipelines) runCheck(wctx *workflow.Context, contentID, validator string, delay time.Duration, chk *qaCheck, status *qaStatus) error {
	for {
		if err := halted(wctx); err != nil {
			return err
		}

		verdict := p.evaluate(wctx, contentID, validator, chk)
		if err := chk.record(verdict.Passed, verdict.Issues); err != nil {
			return fmt.Errorf("%s: %w", chk.name, err)
		}
		status.update(chk.result())

		if chk.passed() {
			note(wctx, contentID, "✅ %s passed (attempt %d)", chk.name, chk.attempts)
			return nil
		}
		if !chk.canFix() {
			reason := "no fix attempts left"
			if chk.fixer == "" {
				reason = "no fixer configured"
			}
			note(wctx, contentID, "❌ %s failed after %d attempt(s), %s:\n- %s",
				chk.name, chk.attempts, reason, strings.Join(chk.issues, "\n- "))
			return nil
		}

		if err := chk.beginFix(); err != nil {
			return fmt.Errorf("%s: %w", chk.name, err)
		}
		status.update(chk.result())
		note(wctx, contentID, "🔧 %s failed (attempt %d), asking %s to fix:\n- %s",
			chk.name, chk.attempts, chk.fixer, strings.Join(chk.issues, "\n- "))

		_, err := callAgent(wctx, chk.fixer, chk.fixTask,
			fmt.Sprintf("Fix the following %s issues:\n- %s", chk.name, strings.Join(chk.issues, "\n- ")),
			map[string]any{"content_id": contentID, "check": chk.name, "issues": chk.issues})
		if err != nil {
			wctx.Logger().Warn("qa fixer failed", zap.String("check", chk.name), zap.Error(err))
		} else {
			chk.fixes++
			if !wctx.IsReplaying() {
				p.metrics.RecordQAFix(chk.name)
			}
		}

		if err := wctx.Sleep(delay); err != nil {
			return err
		}
		if err := chk.recheck(); err != nil {
			return fmt.Errorf("%s: %w", chk.name, err)
		}
		status.update(chk.result())
	}
}

// evaluate asks the validator agent for a verdict. A check that cannot run
// counts as failed with the reason as its issue.
func (p *Pipelines) evaluate(wctx *workflow.Context, contentID, validator string, chk *qaCheck) checkVerdict {
	res, err := callAgent(wctx, validator, chk.checkTask,
		fmt.Sprintf("Run the %s check", chk.name),
		map[string]any{"content_id": contentID, "check": chk.name})
	if err != nil {
		return checkVerdict{Issues: []string{"check could not run: " + err.Error()}}
	}
	verdict, err := agentData[checkVerdict](res)
	if err != nil {
		return checkVerdict{Issues: []string{err.Error()}}
	}
	return verdict
}
