package session

import (
	"encoding/json"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/pkg/schema"
)

// handleTeamEvent records a team_event message and diffs its snapshot against
// the previous one, publishing typed member and task events on the bus.
func (r *Runtime) handleTeamEvent(msg *schema.Message) {
	next, ok := teamStateFrom(msg)
	if ok {
		r.diffTeam(r.team, &next)
		r.team = &next
	}
	r.record(msg)
}

// teamStateFrom extracts the team snapshot from a team_event message. The
// meta value is typed when the message came straight from an adapter and a
// generic map after a JSON round trip; both decode.
func teamStateFrom(msg *schema.Message) (schema.TeamState, bool) {
	switch v := msg.Meta("team_state").(type) {
	case schema.TeamState:
		return v, true
	case nil:
		return schema.TeamState{}, false
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return schema.TeamState{}, false
		}
		var ts schema.TeamState
		if err := json.Unmarshal(raw, &ts); err != nil {
			return schema.TeamState{}, false
		}
		return ts, true
	}
}

func (r *Runtime) diffTeam(prev, next *schema.TeamState) {
	var prevMembers map[string]schema.TeamMember
	var prevTasks map[string]schema.TeamTask
	if prev != nil {
		prevMembers = make(map[string]schema.TeamMember, len(prev.Members))
		for _, m := range prev.Members {
			prevMembers[m.Name] = m
		}
		prevTasks = make(map[string]schema.TeamTask, len(prev.Tasks))
		for _, t := range prev.Tasks {
			prevTasks[t.ID] = t
		}
	}

	seen := make(map[string]bool, len(next.Members))
	for _, m := range next.Members {
		seen[m.Name] = true
		old, existed := prevMembers[m.Name]
		switch {
		case !existed:
			r.publishTeamEvent(eventbus.TeamMemberJoined, next.Name, map[string]any{
				"member": m.Name, "status": m.Status,
			})
		case old.Status != m.Status:
			r.publishTeamEvent(eventbus.TeamMemberStatus, next.Name, map[string]any{
				"member": m.Name, "status": m.Status, "previous": old.Status,
			})
		}
	}
	for name := range prevMembers {
		if !seen[name] {
			r.publishTeamEvent(eventbus.TeamMemberLeft, next.Name, map[string]any{
				"member": name,
			})
		}
	}

	for _, t := range next.Tasks {
		old, existed := prevTasks[t.ID]
		switch {
		case !existed:
			r.publishTeamEvent(eventbus.TeamTaskCreated, next.Name, map[string]any{
				"task": t.ID, "title": t.Title, "status": t.Status,
			})
		case old.Status != t.Status && t.Status == schema.TeamTaskCompleted:
			r.publishTeamEvent(eventbus.TeamTaskCompleted, next.Name, map[string]any{
				"task": t.ID, "title": t.Title, "owner": t.Owner,
			})
		case t.Owner != old.Owner && t.Owner != "":
			r.publishTeamEvent(eventbus.TeamTaskClaimed, next.Name, map[string]any{
				"task": t.ID, "title": t.Title, "owner": t.Owner,
			})
		case old.Status != t.Status && t.Status == schema.TeamTaskInProgress:
			r.publishTeamEvent(eventbus.TeamTaskClaimed, next.Name, map[string]any{
				"task": t.ID, "title": t.Title, "owner": t.Owner,
			})
		}
	}
}

func (r *Runtime) publishTeamEvent(eventType, team string, fields map[string]any) {
	fields["session_id"] = r.id
	if team != "" {
		fields["team"] = team
	}
	r.bus.PublishType(eventType, fields)
}
