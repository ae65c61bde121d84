package domain

// Status is a bounty lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusPaid       Status = "paid"
)

// Statuses lists every persisted status.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected, StatusPaid}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// HasAssignee reports whether a bounty in this status must carry an assignee.
func (s Status) HasAssignee() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// Command names an action an actor can take on a bounty.
type Command string

const (
	CmdCreate   Command = "create"
	CmdAssign   Command = "assign"
	CmdRelease  Command = "release"
	CmdDelete   Command = "delete"
	CmdComplete Command = "complete"
	CmdApprove  Command = "approve"
	CmdReject   Command = "reject"
	CmdPay      Command = "pay"
	CmdFund     Command = "fund"
	CmdEdit     Command = "edit"
)

type Role string

const (
	RoleClient    Role = "client"
	RoleDeveloper Role = "developer"
	RoleDesigner  Role = "designer"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDeveloper, RoleDesigner, RoleAdmin:
		return true
	}
	return false
}

// IsWorker is true for roles that claim and deliver bounties.
func (r Role) IsWorker() bool {
	return r == RoleDeveloper || r == RoleDesigner
}

type Bounty struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Reward         int64    `json:"reward" doc:"Reward in minor currency units"`
	Currency       string   `json:"currency"`
	Status         Status   `json:"status" enum:"open,in_progress,completed,approved,rejected,paid"`
	CreatorID      string   `json:"creator_id"`
	ClientID       string   `json:"client_id"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	IssueURL       *string  `json:"issue_url,omitempty"`
	PullRequestURL *string  `json:"pull_request_url,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	TransferID     *string  `json:"transfer_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	AssignedAt     *string  `json:"assigned_at,omitempty" format:"date-time"`
	ReleasedAt     *string  `json:"released_at,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	ApprovedAt     *string  `json:"approved_at,omitempty" format:"date-time"`
	PaidAt         *string  `json:"paid_at,omitempty" format:"date-time"`
	Version        int64    `json:"version" doc:"Incremented on every write"`
}

// IsAssignee reports whether userID currently holds the bounty.
func (b Bounty) IsAssignee(userID string) bool {
	return b.AssigneeID != nil && *b.AssigneeID == userID
}

type User struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	Name           string  `json:"name,omitempty"`
	Role           Role    `json:"role" enum:"client,developer,designer,admin"`
	PortfolioURL   string  `json:"portfolio_url,omitempty"`
	PayerProfileID *string `json:"payer_profile_id,omitempty"`
	PayeeProfileID *string `json:"payee_profile_id,omitempty"`
	PayoutsEnabled bool    `json:"payouts_enabled"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// PayoutReady is true once the payee profile exists and the processor has
// enabled payouts for it.
func (u User) PayoutReady() bool {
	return u.PayoutsEnabled && u.PayeeProfileID != nil && *u.PayeeProfileID != ""
}

type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ClientMembership struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PaymentIntent is returned to the payer and never stored.
type PaymentIntent struct {
	ID                string `json:"id"`
	ClientSecret      string `json:"client_secret"`
	BountyID          string `json:"bounty_id"`
	Currency          string `json:"currency"`
	BountyAmount      int64  `json:"bounty_amount"`
	PlatformFee       int64  `json:"platform_fee"`
	TotalAmount       int64  `json:"total_amount"`
	BountyAmountMajor string `json:"bounty_amount_display"`
	PlatformFeeMajor  string `json:"platform_fee_display"`
	TotalAmountMajor  string `json:"total_amount_display"`
}

// Transfer is one irreversible payout to a worker's payee profile.
type Transfer struct {
	ID                   string `json:"id"`
	BountyID             string `json:"bounty_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
	PlatformFee          int64  `json:"platform_fee"`
	Currency             string `json:"currency"`
	IdempotencyKey       string `json:"idempotency_key"`
}

// PayoutAccount is the caller's view of their payee profile.
type PayoutAccount struct {
	AccountID      string `json:"account_id"`
	OnboardingURL  string `json:"onboarding_url,omitempty"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Existing       bool   `json:"existing"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
