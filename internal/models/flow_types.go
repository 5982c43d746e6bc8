// Package models defines flow type definitions to avoid circular imports.
package models

// FlowState is the persisted position of a user in the conversational state machine.
type FlowState string

// Flow states, in the order a new user normally walks through them.
const (
	FlowStateNew                   FlowState = "NEW"
	FlowStatePrivacyPending        FlowState = "PRIVACY_PENDING"
	FlowStatePrivacyAwaitName      FlowState = "PRIVACY_AWAIT_NAME"
	FlowStatePrivacyAwaitRole      FlowState = "PRIVACY_AWAIT_ROLE"
	FlowStateWelcomeAwaitSelection FlowState = "WELCOME_AWAIT_SELECTION"
	FlowStateActiveAgent           FlowState = "ACTIVE_AGENT"
	// FlowStateAdCampaign is the overlay state. It is only observable while the
	// ad flow runs; completion always lands on FlowStateActiveAgent.
	FlowStateAdCampaign FlowState = "AD_CAMPAIGN"
)

// IsValid reports whether s is one of the known flow states.
func (s FlowState) IsValid() bool {
	switch s {
	case FlowStateNew, FlowStatePrivacyPending, FlowStatePrivacyAwaitName, FlowStatePrivacyAwaitRole,
		FlowStateWelcomeAwaitSelection, FlowStateActiveAgent, FlowStateAdCampaign:
		return true
	default:
		return false
	}
}

// IsPrivacyState reports whether s belongs to the privacy gate.
func (s FlowState) IsPrivacyState() bool {
	switch s {
	case FlowStateNew, FlowStatePrivacyPending, FlowStatePrivacyAwaitName, FlowStatePrivacyAwaitRole:
		return true
	default:
		return false
	}
}

// FlowName identifies the flow that produced a turn's response.
type FlowName string

// Flow names.
const (
	FlowPrivacy      FlowName = "privacy"
	FlowWelcome      FlowName = "welcome"
	FlowAdCampaign   FlowName = "ad_campaign"
	FlowGeneralAgent FlowName = "general_agent"
)

// TurnRole is the author of a conversation turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Well-known extracted attribute names.
const (
	AttributeName     = "name"
	AttributeRole     = "role"
	AttributeCompany  = "company"
	AttributeTeamSize = "team_size"
	AttributeInterest = "interest"
)
