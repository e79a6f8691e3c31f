package domain

import (
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/model"
)

// SiteUserInfo describes SP.User, a user known to the site collection.
var SiteUserInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.User",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", RESTName: "Id", Type: meta.TypeInt, ReadOnly: true},
		{Name: "Title", RESTName: "Title", Type: meta.TypeString},
		{Name: "Email", RESTName: "Email", Type: meta.TypeString},
		{Name: "LoginName", RESTName: "LoginName", Type: meta.TypeString, ReadOnly: true},
		{Name: "IsSiteAdmin", RESTName: "IsSiteAdmin", Type: meta.TypeBool},
	},
	REST: meta.Endpoints{
		Get:  "web/getuserbyid({Id})",
		List: "web/siteusers",
	},
})

// SiteUser is a site collection user.
type SiteUser struct {
	*model.Entity
}

func wrapSiteUser(e *model.Entity) *SiteUser {
	return &SiteUser{Entity: e}
}

// ID returns the site-scoped user id.
func (u *SiteUser) ID() (int, error) { return model.GetValue[int](u.Store(), "Id") }

// Title returns the display name.
func (u *SiteUser) Title() (string, error) { return model.GetValue[string](u.Store(), "Title") }

// Email returns the e-mail address.
func (u *SiteUser) Email() (string, error) { return model.GetValue[string](u.Store(), "Email") }

// LoginName returns the claims-encoded login name.
func (u *SiteUser) LoginName() (string, error) { return model.GetValue[string](u.Store(), "LoginName") }

// IsSiteAdmin reports whether the user administers the site collection.
func (u *SiteUser) IsSiteAdmin() (bool, error) { return model.GetValue[bool](u.Store(), "IsSiteAdmin") }

// UserInfo describes a directory user served by Microsoft Graph.
var UserInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "Graph.User",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", GraphName: "id", Type: meta.TypeString, ReadOnly: true},
		{Name: "DisplayName", GraphName: "displayName", Type: meta.TypeString},
		{Name: "Mail", GraphName: "mail", Type: meta.TypeString},
		{Name: "UserPrincipalName", GraphName: "userPrincipalName", Type: meta.TypeString},
		{Name: "JobTitle", GraphName: "jobTitle", Type: meta.TypeString},
	},
	Graph: meta.Endpoints{
		Get:  "users/{Id}",
		List: "users",
	},
})

// User is a directory user.
type User struct {
	*model.Entity
}

func wrapUser(e *model.Entity) *User {
	return &User{Entity: e}
}

// ID returns the directory object id.
func (u *User) ID() (string, error) { return model.GetValue[string](u.Store(), "Id") }

// DisplayName returns the display name.
func (u *User) DisplayName() (string, error) { return model.GetValue[string](u.Store(), "DisplayName") }

// Mail returns the primary SMTP address.
func (u *User) Mail() (string, error) { return model.GetValue[string](u.Store(), "Mail") }

// UserPrincipalName returns the sign-in name.
func (u *User) UserPrincipalName() (string, error) {
	return model.GetValue[string](u.Store(), "UserPrincipalName")
}

// JobTitle returns the job title.
func (u *User) JobTitle() (string, error) { return model.GetValue[string](u.Store(), "JobTitle") }

// SetJobTitle changes the job title.
func (u *User) SetJobTitle(t string) { u.Store().Set("JobTitle", t) }
