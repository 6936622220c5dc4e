package phase

import (
	"context"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/tidwall/gjson"
)

// coordinatorGate returns the guidance the coder phase should carry. At
// a configured rejection threshold it consults the coordinator and
// caches the reply on the task; between thresholds the cached guidance
// is reused. Coordinator failure is never fatal.
func (d *Driver) coordinatorGate(ctx context.Context, task *db.Task) string {
	cached := ""
	if task.CoordinatorGuidance != nil {
		cached = *task.CoordinatorGuidance
	}
	if !d.Config.IsCoordinatorThreshold(task.RejectionCount) {
		return cached
	}

	log := d.logger().With("task", task.ID, "rejections", task.RejectionCount)

	rejections, err := d.Project.GetTaskRejections(task.ID)
	if err != nil {
		log.Warn("coordinator: loading rejections failed", "error", err)
		return cached
	}
	var peers []*db.Task
	if task.SectionID != nil {
		peers, err = d.Project.ListTasks(db.TaskFilter{SectionID: *task.SectionID})
		if err != nil {
			log.Warn("coordinator: loading section tasks failed", "error", err)
		}
	}
	submission, err := d.Project.GetLatestSubmissionNotes(task.ID)
	if err != nil {
		log.Warn("coordinator: loading submission notes failed", "error", err)
	}
	diff, err := d.Git.DiffSummary(ctx)
	if err != nil {
		diff = ""
	}

	prompt := coordinatorPrompt(task, rejections, peers, submission, diff, cached)
	ir, err := d.invoke(ctx, task.ID, db.RoleCoordinator, d.Config.AI.Coordinator, prompt, "")
	if err != nil || !ir.res.Success {
		log.Warn("coordinator invocation failed; continuing without guidance")
		return cached
	}

	decision, guidance := parseCoordinatorReply(ir.res.Stdout)
	if guidance == "" {
		log.Warn("coordinator reply had no guidance; keeping cache")
		return cached
	}
	if err := d.Project.SetCoordinatorGuidance(task.ID, decision, guidance); err != nil {
		log.Warn("caching coordinator guidance failed", "error", err)
	}
	if err := d.Project.AddAuditEntry(&db.AuditEntry{
		TaskID:    task.ID,
		ToStatus:  string(task.Status),
		Actor:     "coordinator",
		ActorType: db.ActorTypeCoordinator,
		Model:     d.Config.AI.Coordinator.Model,
		Notes:     "[" + decision + "] " + guidance,
	}); err != nil {
		log.Warn("coordinator audit write failed", "error", err)
	}

	log.Info("coordinator guidance recorded", "decision", decision)
	return guidance
}

// parseCoordinatorReply extracts (decision, guidance) from a coordinator
// reply, tolerating prose around the JSON object.
func parseCoordinatorReply(raw string) (string, string) {
	body := raw
	if !gjson.Valid(body) {
		if start, end := indexBraces(body); start >= 0 {
			body = body[start : end+1]
		}
	}
	decision := gjson.Get(body, "decision").String()
	guidance := gjson.Get(body, "guidance").String()
	if decision == "" {
		decision = "continue"
	}
	return decision, guidance
}

func indexBraces(s string) (int, int) {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return start, i
				}
			}
		}
	}
	return -1, -1
}
