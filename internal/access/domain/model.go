package domain

import "time"

type OrgRole string

const (
	OrgRoleAdmin  OrgRole = "org_admin"
	OrgRoleMember OrgRole = "member"
)

type TeamRole string

const (
	TeamRoleAdmin  TeamRole = "team_admin"
	TeamRoleMember TeamRole = "member"
	TeamRoleViewer TeamRole = "viewer"
)

// Organization, Team, the membership rows and Profile mirror the identity
// store. They are read here and never written.

type Organization struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Organization) TableName() string { return "organizations" }

type Team struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string    `gorm:"size:36;not null;index" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Team) TableName() string { return "teams" }

type OrganizationMember struct {
	OrganizationID string    `gorm:"primaryKey;size:36" json:"organization_id"`
	UserID         string    `gorm:"primaryKey;size:36;index" json:"user_id"`
	Role           OrgRole   `gorm:"size:32;not null" json:"org_role"`
	CreatedAt      time.Time `json:"created_at"`
}

func (OrganizationMember) TableName() string { return "organization_members" }

type TeamMember struct {
	TeamID    string    `gorm:"primaryKey;size:36" json:"team_id"`
	UserID    string    `gorm:"primaryKey;size:36;index" json:"user_id"`
	Role      TeamRole  `gorm:"size:32;not null" json:"team_role"`
	CreatedAt time.Time `json:"created_at"`
}

func (TeamMember) TableName() string { return "team_members" }

type Profile struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	FullName string `gorm:"size:255" json:"full_name"`
}

func (Profile) TableName() string { return "profiles" }

// Member is a roster entry joined with the member's profile.
type Member struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}
