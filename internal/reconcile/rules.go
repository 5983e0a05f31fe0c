package reconcile

// Snapshot is a point-in-time set of named counters from the REST API.
type Snapshot map[string]int64

func (s Snapshot) clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Counters is the mutable form of a Snapshot used by merge rules.
type Counters map[string]int64

// Add applies delta to name, flooring the result at zero.
func (c Counters) Add(name string, delta int64) {
	value := c[name] + delta
	if value < 0 {
		value = 0
	}
	c[name] = value
}

type MergeFunc func(c Counters, payload map[string]any)

// Rule binds an event kind to its payload schema and counter transform.
type Rule struct {
	Kind string
	// Schema is an optional JSON schema document for the payload.
	Schema string
	Merge  MergeFunc
}

const (
	TotalAnnouncements  = "totalAnnouncements"
	ActiveAnnouncements = "activeAnnouncements"

	KindAnnouncementCreated = "announcement.created"
	KindAnnouncementDeleted = "announcement.deleted"
	KindAnnouncementUpdated = "announcement.updated"
)

const announcementPayloadSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"isActive": {"type": "boolean"},
		"wasActive": {"type": "boolean"}
	}
}`

const announcementUpdatedSchema = `{
	"type": "object",
	"required": ["isActive", "wasActive"],
	"properties": {
		"id": {"type": "string"},
		"isActive": {"type": "boolean"},
		"wasActive": {"type": "boolean"}
	}
}`

// AnnouncementRules maintains totalAnnouncements and activeAnnouncements.
//
// created adds one to the total and, when isActive is true, to active.
// deleted removes one from the total; active only drops when the payload
// says the deleted record was active. updated moves active by one when
// isActive and wasActive differ.
func AnnouncementRules() []Rule {
	return []Rule{
		{
			Kind:   KindAnnouncementCreated,
			Schema: announcementPayloadSchema,
			Merge: func(c Counters, payload map[string]any) {
				c.Add(TotalAnnouncements, 1)
				if payloadBool(payload, "isActive") {
					c.Add(ActiveAnnouncements, 1)
				}
			},
		},
		{
			Kind:   KindAnnouncementDeleted,
			Schema: announcementPayloadSchema,
			Merge: func(c Counters, payload map[string]any) {
				c.Add(TotalAnnouncements, -1)
				if payloadBool(payload, "isActive") {
					c.Add(ActiveAnnouncements, -1)
				}
			},
		},
		{
			Kind:   KindAnnouncementUpdated,
			Schema: announcementUpdatedSchema,
			Merge: func(c Counters, payload map[string]any) {
				now, was := payloadBool(payload, "isActive"), payloadBool(payload, "wasActive")
				switch {
				case now && !was:
					c.Add(ActiveAnnouncements, 1)
				case !now && was:
					c.Add(ActiveAnnouncements, -1)
				}
			},
		},
	}
}

func payloadBool(payload map[string]any, key string) bool {
	v, ok := payload[key].(bool)
	return ok && v
}
