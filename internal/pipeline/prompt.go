package pipeline

import (
	"fmt"
	"strings"

	"github.com/odvcencio/deployfix/internal/analyzer"
	"github.com/odvcencio/deployfix/internal/models"
)

// FixPromptInput is everything the fix prompt may mention.
type FixPromptInput struct {
	Deployment     *models.Deployment
	Subscription   *models.Subscription
	Classification analyzer.Classification
	CustomPrompt   string
	BranchName     string
}

// BuildFixPrompt renders the agent instructions for a failed deployment. A
// rule's custom prompt replaces the default instructions; the error block is
// always appended.
func BuildFixPrompt(in FixPromptInput) string {
	var b strings.Builder
	if custom := strings.TrimSpace(in.CustomPrompt); custom != "" {
		b.WriteString(custom)
		b.WriteString("\n\n")
		writeErrorBlock(&b, in.Classification)
		return b.String()
	}

	d, sub := in.Deployment, in.Subscription
	project := d.ProjectName
	if project == "" && sub != nil {
		project = sub.ProjectName
	}
	fmt.Fprintf(&b, "The Vercel deployment of %q failed during the build", project)
	if sub != nil {
		fmt.Fprintf(&b, " of %s", sub.RepoFullName())
	}
	if d.GitBranch != "" {
		fmt.Fprintf(&b, " on branch %s", d.GitBranch)
	}
	if d.GitCommitSHA != "" {
		fmt.Fprintf(&b, " at commit %s", d.GitCommitSHA)
	}
	b.WriteString(".\n\n")
	writeErrorBlock(&b, in.Classification)

	base := "main"
	if sub != nil && sub.BaseBranch != "" {
		base = sub.BaseBranch
	}
	b.WriteString("\n## Instructions\n")
	b.WriteString("1. Find the root cause of the failure above. Read the affected files before changing anything.\n")
	b.WriteString("2. Make the smallest change that fixes the build. Do not refactor unrelated code.\n")
	b.WriteString("3. Do not break existing behavior. Run the build and the tests that cover the change when possible.\n")
	fmt.Fprintf(&b, "4. Commit the fix to branch %s based on %s and push it. A pull request into %s is opened from that branch.\n", in.BranchName, base, base)
	b.WriteString("5. Report a one-line summary and a short explanation of the root cause and the fix.\n")
	return b.String()
}

func writeErrorBlock(b *strings.Builder, c analyzer.Classification) {
	b.WriteString("## Build error\n")
	fmt.Fprintf(b, "Error type: %s\n", c.ErrorType)
	fmt.Fprintf(b, "Error message: %s\n", c.ErrorMessage)
	if len(c.AffectedFiles) == 0 {
		b.WriteString("Affected files: none detected\n")
	} else {
		b.WriteString("Affected files:\n")
		for _, f := range c.AffectedFiles {
			fmt.Fprintf(b, "- %s\n", f)
		}
	}
	b.WriteString("\nLog excerpt:\n```\n")
	b.WriteString(strings.TrimRight(c.ErrorContext, "\n"))
	b.WriteString("\n```\n")
}

// BuildReviewPrompt renders the agent instructions for an automated pull
// request review.
func BuildReviewPrompt(sub *models.Subscription, pr models.PRReviewPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review pull request #%d %q in %s.\n", pr.PRNumber, pr.PRTitle, sub.RepoFullName())
	if pr.PRURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", pr.PRURL)
	}
	fmt.Fprintf(&b, "Head: %s", pr.HeadBranch)
	if pr.HeadSHA != "" {
		fmt.Fprintf(&b, " (%s)", pr.HeadSHA)
	}
	fmt.Fprintf(&b, "\nBase: %s\n\n", pr.BaseBranch)
	b.WriteString("Look for bugs, regressions, security problems and changes likely to break the Vercel build. ")
	b.WriteString("Leave review comments on the lines concerned and finish with a short summary. ")
	b.WriteString("Do not push commits to the branch.\n")
	return b.String()
}

// PRTitle is the title of a fix pull request.
func PRTitle(d *models.Deployment) string {
	kind := d.ErrorType
	if kind == "" {
		kind = analyzer.Other
	}
	if d.ProjectName != "" {
		return fmt.Sprintf("fix: resolve %s build failure in %s", kind, d.ProjectName)
	}
	return fmt.Sprintf("fix: resolve %s build failure", kind)
}

// PRBody describes the failure and the agent's fix.
func PRBody(d *models.Deployment, result models.TaskResult) string {
	var b strings.Builder
	if s := strings.TrimSpace(result.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	if s := strings.TrimSpace(result.Details); s != "" {
		b.WriteString("## Details\n")
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("## Failed deployment\n")
	if d.DeploymentURL != "" {
		fmt.Fprintf(&b, "- Deployment: %s\n", d.DeploymentURL)
	}
	if d.GitBranch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", d.GitBranch)
	}
	if d.GitCommitSHA != "" {
		fmt.Fprintf(&b, "- Commit: %s\n", d.GitCommitSHA)
	}
	fmt.Fprintf(&b, "- Error type: %s\n", d.ErrorType)
	if d.ErrorMessage != "" {
		fmt.Fprintf(&b, "- Error: `%s`\n", strings.ReplaceAll(d.ErrorMessage, "`", "'"))
	}
	if len(d.AffectedFiles) > 0 {
		fmt.Fprintf(&b, "- Files: %s\n", strings.Join(d.AffectedFiles, ", "))
	}
	fmt.Fprintf(&b, "\nOpened by deployfix for deployment %s (attempt %d).\n", d.ID, d.FixAttemptNumber)
	return b.String()
}
