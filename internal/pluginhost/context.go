// Package pluginhost runs plugins inside the worker process and exposes the
// capability surface they are allowed to touch: ingestion entry points,
// knowledge object upserts and deletes, scoped search, secrets, and
// per-plugin rate limits. Identity travels in an immutable context value so
// a plugin can never act as another plugin or user.
package pluginhost

import "github.com/shu-ai/shu-core/internal/extract"

// Context carries a plugin invocation's fixed identity and scope. All fields
// are private; a plugin holds the value but cannot alter it.
type Context struct {
	pluginName string
	userID     string
	scheduleID string
	kbIDs      []string
	ocrMode    extract.Mode
}

// NewContext builds an invocation context. scheduleID is empty outside feed
// runs. The knowledge base list is copied.
func NewContext(pluginName, userID, scheduleID string, kbIDs []string, ocrMode string) Context {
	return Context{
		pluginName: pluginName,
		userID:     userID,
		scheduleID: scheduleID,
		kbIDs:      append([]string(nil), kbIDs...),
		ocrMode:    extract.ParseMode(ocrMode),
	}
}

// PluginName returns the invoking plugin's registered name.
func (c Context) PluginName() string { return c.pluginName }

// UserID returns the user the plugin acts on behalf of.
func (c Context) UserID() string { return c.userID }

// ScheduleID returns the owning feed's ID and whether this run belongs to a
// feed.
func (c Context) ScheduleID() (string, bool) { return c.scheduleID, c.scheduleID != "" }

// KnowledgeBaseIDs returns a copy of the bound knowledge base list.
func (c Context) KnowledgeBaseIDs() []string {
	return append([]string(nil), c.kbIDs...)
}

// OCRMode returns the extraction mode configured for this run.
func (c Context) OCRMode() extract.Mode { return c.ocrMode }

func (c Context) isBound(kbID string) bool {
	for _, id := range c.kbIDs {
		if id == kbID {
			return true
		}
	}
	return false
}
