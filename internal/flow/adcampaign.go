package flow

import (
	"context"
	"log/slog"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// adCampaignFlow presents the course a campaign points at and hands the user
// to the general agent.
type adCampaignFlow struct {
	facts    catalog.FactProvider
	detector *catalog.Detector
}

// begin marks the overlay as owning the next response.
func (a *adCampaignFlow) begin(st *models.UserConversationState, c models.Campaign) {
	st.AdFlowInProgress = true
	st.CampaignTag = c.Tag
	st.FlowState = models.FlowStateAdCampaign
}

// handle presents the pending campaign. If the course cannot be loaded the
// overlay stays active so the next message retries the presentation.
func (a *adCampaignFlow) handle(ctx context.Context, st *models.UserConversationState) candidate {
	c, ok := a.detector.Lookup(st.CampaignTag)
	if !ok {
		slog.Warn("AdCampaignFlow.handle: campaign no longer configured", "userID", st.UserID, "tag", st.CampaignTag)
		a.finish(st)
		return templateReply(SafeFallbackText)
	}
	st.FlowState = models.FlowStateAdCampaign
	course, err := a.facts.GetCourse(ctx, c.CourseID)
	if err != nil {
		slog.Warn("AdCampaignFlow.handle: campaign course unavailable", "userID", st.UserID, "tag", c.Tag, "courseID", c.CourseID, "error", err)
		return templateReply(SafeFallbackText)
	}

	st.SelectedCourseID = course.ID
	a.finish(st)
	slog.Info("AdCampaignFlow.handle: campaign presented", "userID", st.UserID, "tag", c.Tag, "courseID", course.ID)
	return candidate{
		Text:      render("campaign", copyData{Name: st.DisplayName, Headline: c.Headline, Course: &course}),
		MediaURLs: course.MediaURLs,
		Source:    SourceCampaign,
		CourseIDs: []string{course.ID},
	}
}

func (a *adCampaignFlow) finish(st *models.UserConversationState) {
	st.AdFlowInProgress = false
	st.CampaignTag = ""
	st.FlowState = models.FlowStateActiveAgent
}
