package csom

import (
	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Taxonomy type ids.
const (
	TaxonomySessionTypeID                = "{981cbc68-9edc-4f8d-872f-71146fcbb84f}"
	CustomPropertyMatchInformationTypeID = "{56747951-df44-4bed-bf36-2b3bddf587f9}"
)

// taxonomyRoot emits the session and default term store paths every
// taxonomy request starts from and returns the term store path id. It uses
// six consecutive ids.
func taxonomyRoot(r *Request) int {
	session := r.StaticMethod(TaxonomySessionTypeID, "GetTaxonomySession")
	r.ObjectPath(session)
	r.IdentityQuery(session)

	store := r.Method(session, "GetDefaultSiteCollectionTermStore")
	r.ObjectPath(store)
	r.IdentityQuery(store)

	return store
}

// GetTermParentRequest loads the parent term of TermID. A term at the top
// of its set has no parent; Parse then leaves Parent nil.
//
// Fresh request, ids 1 to 13:
//
//	<Actions>
//	  <ObjectPath Id="2" ObjectPathId="1" />
//	  <ObjectIdentityQuery Id="3" ObjectPathId="1" />
//	  <ObjectPath Id="5" ObjectPathId="4" />
//	  <ObjectIdentityQuery Id="6" ObjectPathId="4" />
//	  <ObjectPath Id="8" ObjectPathId="7" />
//	  <ObjectIdentityQuery Id="9" ObjectPathId="7" />
//	  <ObjectPath Id="11" ObjectPathId="10" />
//	  <ObjectIdentityQuery Id="12" ObjectPathId="10" />
//	  <Query Id="13" ObjectPathId="10">
//	    <Query SelectAllProperties="true"><Properties /></Query>
//	  </Query>
//	</Actions>
//	<ObjectPaths>
//	  <StaticMethod Id="1" Name="GetTaxonomySession" TypeId="{981cbc68-9edc-4f8d-872f-71146fcbb84f}" />
//	  <Method Id="4" ParentId="1" Name="GetDefaultSiteCollectionTermStore" />
//	  <Method Id="7" ParentId="4" Name="GetTerm">
//	    <Parameters><Parameter Type="Guid">{term id}</Parameter></Parameters>
//	  </Method>
//	  <Property Id="10" ParentId="7" Name="Parent" />
//	</ObjectPaths>
//
// The parent object is the value following action id 13 in the response.
type GetTermParentRequest struct {
	TermID uuid.UUID

	// Parent is populated by Parse.
	Parent Object

	parentPath   int
	identityPath int
}

// Build implements Operation.
func (g *GetTermParentRequest) Build(r *Request) error {
	if g.TermID == uuid.Nil {
		return sdkerr.NewClientError(sdkerr.ErrMissingArgument, "term id is required")
	}

	store := taxonomyRoot(r)

	term := r.Method(store, "GetTerm", GUID(g.TermID))
	r.ObjectPath(term)
	r.IdentityQuery(term)

	parent := r.Property(term, "Parent")
	g.parentPath = r.ObjectPath(parent)
	r.IdentityQuery(parent)
	g.identityPath = r.Query(parent, SelectQuery{SelectAll: true}, nil)

	return r.Err()
}

// IdentityPath is the action id whose result is the parent term.
func (g *GetTermParentRequest) IdentityPath() int {
	return g.identityPath
}

// Parse implements Operation.
func (g *GetTermParentRequest) Parse(resp *Response) error {
	path, err := resp.Object(g.parentPath)
	if err != nil {
		return err
	}

	if path.IsNull() {
		g.Parent = nil
		return nil
	}

	obj, err := resp.Object(g.identityPath)
	if err != nil {
		return err
	}

	if obj.IsNull() {
		obj = nil
	}

	g.Parent = obj

	return nil
}

// GetTermsByCustomPropertyRequest loads the terms of TermSetID whose custom
// property Key equals Value. The match criteria are a server-side
// CustomPropertyMatchInformation object built by constructor and three
// SetProperty actions, then passed by reference to
// TermSet.GetTermsWithCustomProperty.
//
// Fresh request, ids 1 to 17:
//
//	<Actions>
//	  <ObjectPath Id="2" ObjectPathId="1" />
//	  <ObjectIdentityQuery Id="3" ObjectPathId="1" />
//	  <ObjectPath Id="5" ObjectPathId="4" />
//	  <ObjectIdentityQuery Id="6" ObjectPathId="4" />
//	  <ObjectPath Id="8" ObjectPathId="7" />
//	  <ObjectIdentityQuery Id="9" ObjectPathId="7" />
//	  <ObjectPath Id="11" ObjectPathId="10" />
//	  <SetProperty Id="12" ObjectPathId="10" Name="CustomPropertyName">
//	    <Parameter Type="String">{key}</Parameter>
//	  </SetProperty>
//	  <SetProperty Id="13" ObjectPathId="10" Name="CustomPropertyValue">
//	    <Parameter Type="String">{value}</Parameter>
//	  </SetProperty>
//	  <SetProperty Id="14" ObjectPathId="10" Name="TrimUnavailable">
//	    <Parameter Type="Boolean">{trim}</Parameter>
//	  </SetProperty>
//	  <ObjectPath Id="16" ObjectPathId="15" />
//	  <Query Id="17" ObjectPathId="15">
//	    <Query SelectAllProperties="false"><Properties /></Query>
//	    <ChildItemQuery SelectAllProperties="true"><Properties /></ChildItemQuery>
//	  </Query>
//	</Actions>
//	<ObjectPaths>
//	  <StaticMethod Id="1" Name="GetTaxonomySession" TypeId="{981cbc68-9edc-4f8d-872f-71146fcbb84f}" />
//	  <Method Id="4" ParentId="1" Name="GetDefaultSiteCollectionTermStore" />
//	  <Method Id="7" ParentId="4" Name="GetTermSet">
//	    <Parameters><Parameter Type="Guid">{term set id}</Parameter></Parameters>
//	  </Method>
//	  <Constructor Id="10" TypeId="{56747951-df44-4bed-bf36-2b3bddf587f9}" />
//	  <Method Id="15" ParentId="7" Name="GetTermsWithCustomProperty">
//	    <Parameters><Parameter ObjectPathId="10" /></Parameters>
//	  </Method>
//	</ObjectPaths>
//
// The terms are the "_Child_Items_" of the value following action id 17.
type GetTermsByCustomPropertyRequest struct {
	TermSetID       uuid.UUID
	Key             string
	Value           string
	TrimUnavailable bool

	// Terms is populated by Parse.
	Terms []Object

	identityPath int
}

// Build implements Operation.
func (g *GetTermsByCustomPropertyRequest) Build(r *Request) error {
	if g.TermSetID == uuid.Nil {
		return sdkerr.NewClientError(sdkerr.ErrMissingArgument, "term set id is required")
	}

	if g.Key == "" {
		return sdkerr.NewClientError(sdkerr.ErrMissingArgument, "custom property key is required")
	}

	store := taxonomyRoot(r)

	set := r.Method(store, "GetTermSet", GUID(g.TermSetID))
	r.ObjectPath(set)
	r.IdentityQuery(set)

	match := r.Constructor(CustomPropertyMatchInformationTypeID)
	r.ObjectPath(match)
	r.SetProperty(match, "CustomPropertyName", String(g.Key))
	r.SetProperty(match, "CustomPropertyValue", String(g.Value))
	r.SetProperty(match, "TrimUnavailable", Bool(g.TrimUnavailable))

	terms := r.Method(set, "GetTermsWithCustomProperty", PathRef(match))
	r.ObjectPath(terms)
	g.identityPath = r.Query(terms, SelectQuery{}, &SelectQuery{SelectAll: true})

	return r.Err()
}

// IdentityPath is the action id whose result holds the matching terms.
func (g *GetTermsByCustomPropertyRequest) IdentityPath() int {
	return g.identityPath
}

// Parse implements Operation.
func (g *GetTermsByCustomPropertyRequest) Parse(resp *Response) error {
	terms, err := resp.Children(g.identityPath)
	if err != nil {
		return err
	}

	g.Terms = terms

	return nil
}
