package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type StepStatus string

const (
	StepPending      StepStatus = "Pending"
	StepApproved     StepStatus = "Approved"
	StepRejected     StepStatus = "Rejected"
	StepDelegated    StepStatus = "Delegated"
	StepAutoResolved StepStatus = "AutoResolved"
	StepCancelled    StepStatus = "Cancelled"
)

// Satisfied reports whether dependents of a step in this status may start.
func (s StepStatus) Satisfied() bool {
	return s == StepApproved || s == StepAutoResolved
}

func (s StepStatus) Terminal() bool {
	return s != StepPending && s != StepDelegated
}

const (
	ActionApprove        = "Approve"
	ActionReject         = "Reject"
	ActionDelegate       = "Delegate"
	ActionRequestChanges = "RequestChanges"
)

// AssigneeKind tags which variant an AssigneeRef holds.
type AssigneeKind string

const (
	AssigneeRole       AssigneeKind = "Role"
	AssigneeUser       AssigneeKind = "User"
	AssigneeDepartment AssigneeKind = "Department"
	AssigneeFormField  AssigneeKind = "FormField"
)

// AssigneeRef names exactly one of role, user, department or form field.
// The zero value is invalid; build one with the constructors below.
type AssigneeRef struct {
	kind     AssigneeKind
	id       int64
	fieldKey string
}

func AssignToRole(roleID int64) AssigneeRef {
	return AssigneeRef{kind: AssigneeRole, id: roleID}
}

func AssignToUser(userID int64) AssigneeRef {
	return AssigneeRef{kind: AssigneeUser, id: userID}
}

func AssignToDepartment(departmentID int64) AssigneeRef {
	return AssigneeRef{kind: AssigneeDepartment, id: departmentID}
}

func AssignFromFormField(fieldKey string) AssigneeRef {
	return AssigneeRef{kind: AssigneeFormField, fieldKey: fieldKey}
}

// NewAssigneeRef builds a ref from nullable storage columns and rejects zero or multiple choices.
func NewAssigneeRef(roleID, userID, departmentID *int64, fieldKey *string) (AssigneeRef, error) {
	var refs []AssigneeRef
	if roleID != nil {
		refs = append(refs, AssignToRole(*roleID))
	}
	if userID != nil {
		refs = append(refs, AssignToUser(*userID))
	}
	if departmentID != nil {
		refs = append(refs, AssignToDepartment(*departmentID))
	}
	if fieldKey != nil && strings.TrimSpace(*fieldKey) != "" {
		refs = append(refs, AssignFromFormField(strings.TrimSpace(*fieldKey)))
	}
	if len(refs) != 1 {
		return AssigneeRef{}, fmt.Errorf("step must name exactly one assignee, got %d", len(refs))
	}
	return refs[0], nil
}

func (a AssigneeRef) Kind() AssigneeKind { return a.kind }
func (a AssigneeRef) ID() int64          { return a.id }
func (a AssigneeRef) FieldKey() string   { return a.fieldKey }
func (a AssigneeRef) Valid() bool        { return a.kind != "" }

func (a AssigneeRef) String() string {
	if a.kind == AssigneeFormField {
		return "FormField:" + a.fieldKey
	}
	return string(a.kind) + ":" + formatID(a.id)
}

// Columns splits the ref back into the nullable storage columns.
func (a AssigneeRef) Columns() (roleID, userID, departmentID *int64, fieldKey *string) {
	id := a.id
	switch a.kind {
	case AssigneeRole:
		roleID = &id
	case AssigneeUser:
		userID = &id
	case AssigneeDepartment:
		departmentID = &id
	case AssigneeFormField:
		k := a.fieldKey
		fieldKey = &k
	}
	return
}

// Condition compares a submitted answer against a literal.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type WorkflowDefinition struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	FormID   int64          `json:"formId"`
	IsActive bool           `json:"isActive"`
	Steps    []WorkflowStep `json:"steps"`
}

func (d *WorkflowDefinition) Step(id int64) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

type WorkflowStep struct {
	ID                   int64       `json:"id"`
	WorkflowID           int64       `json:"workflowId"`
	Name                 string      `json:"name"`
	StepOrder            int         `json:"stepOrder"`
	IsParallel           bool        `json:"isParallel"`
	IsConditional        bool        `json:"isConditional"`
	Condition            *Condition  `json:"condition,omitempty"`
	AutoApproveCondition *Condition  `json:"autoApproveCondition,omitempty"`
	DependsOn            []int64     `json:"dependsOn,omitempty"`
	Assignee             AssigneeRef `json:"-"`
	DueInDays            int         `json:"dueInDays"`
	EscalationRoleID     *int64      `json:"escalationRoleId,omitempty"`
	AllowedActions       []string    `json:"allowedActions"`
}

func (s *WorkflowStep) Allows(action string) bool {
	for _, a := range s.AllowedActions {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// WorkflowAction describes what an action demands of the actor.
type WorkflowAction struct {
	Name              string     `json:"name"`
	RequiresSignature bool       `json:"requiresSignature"`
	RequiresComment   bool       `json:"requiresComment"`
	ResultStatus      StepStatus `json:"resultStatus"`
}

type Signature struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
}

func (s *Signature) Complete() bool {
	return s != nil && s.Payload != "" && !s.Timestamp.IsZero() && s.IPAddress != ""
}

// StepProgress tracks one step for one submission. A Pending row with a nil
// AssignedDate is waiting on dependencies.
type StepProgress struct {
	ID                 int64      `json:"id"`
	SubmissionID       int64      `json:"submissionId"`
	StepID             int64      `json:"stepId"`
	Status             StepStatus `json:"status"`
	AssignedUserID     *int64     `json:"assignedUserId,omitempty"`
	AssignedDate       *time.Time `json:"assignedDate,omitempty"`
	DueDate            *time.Time `json:"dueDate,omitempty"`
	DelegatedBy        *int64     `json:"delegatedBy,omitempty"`
	DelegationReason   string     `json:"delegationReason,omitempty"`
	DelegationChain    []int64    `json:"delegationChain,omitempty"`
	SignatureData      string     `json:"signatureData,omitempty"`
	SignatureTimestamp *time.Time `json:"signatureTimestamp,omitempty"`
	SignatureIP        string     `json:"signatureIp,omitempty"`
	Comments           string     `json:"comments,omitempty"`
	ActionBy           *int64     `json:"actionBy,omitempty"`
	ActionDate         *time.Time `json:"actionDate,omitempty"`
	LastReminderAt     *time.Time `json:"lastReminderAt,omitempty"`
}

// Active reports whether the step is assigned and waiting on its assignee.
func (p *StepProgress) Active() bool {
	return (p.Status == StepPending || p.Status == StepDelegated) && p.AssignedDate != nil
}

type ActionRequest struct {
	SubmissionID int64      `json:"submissionId"`
	StepID       int64      `json:"stepId"`
	UserID       int64      `json:"userId"`
	Action       string     `json:"action"`
	Comments     string     `json:"comments,omitempty"`
	Signature    *Signature `json:"signature,omitempty"`
}

type DelegateRequest struct {
	SubmissionID int64  `json:"submissionId"`
	StepID       int64  `json:"stepId"`
	FromUserID   int64  `json:"fromUserId"`
	ToUserID     int64  `json:"toUserId"`
	Reason       string `json:"reason"`
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
