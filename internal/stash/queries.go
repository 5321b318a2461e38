package stash

import (
	"fmt"

	"stashmirror/internal/db"
)

// IDRef is a bare id reference inside a record.
type IDRef struct {
	ID string `json:"id"`
}

// Wire records as returned by the upstream GraphQL API. Timestamps are the
// server's own updated_at/created_at strings and are stored verbatim; sync
// cursors are derived from them rather than from local clocks.

type SceneRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Details   string `json:"details"`
	Date      string `json:"date"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Files     []struct {
		Duration float64 `json:"duration"`
	} `json:"files"`
	Studio     *IDRef  `json:"studio"`
	Performers []IDRef `json:"performers"`
	Tags       []IDRef `json:"tags"`
	Galleries  []IDRef `json:"galleries"`
	Groups     []IDRef `json:"groups"`
}

type PerformerRecord struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Disambiguation string  `json:"disambiguation"`
	Gender         string  `json:"gender"`
	Birthdate      string  `json:"birthdate"`
	Country        string  `json:"country"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	Tags           []IDRef `json:"tags"`
}

type StudioRecord struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	URL       string  `json:"url"`
	Parent    *IDRef  `json:"parent_studio"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Tags      []IDRef `json:"tags"`
}

type TagRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type GalleryRecord struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Details   string  `json:"details"`
	Date      string  `json:"date"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Tags      []IDRef `json:"tags"`
}

type GroupRecord struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Date      string  `json:"date"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Tags      []IDRef `json:"tags"`
}

type ImageRecord struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	Tags      []IDRef `json:"tags"`
	Galleries []IDRef `json:"galleries"`
}

type spec struct {
	field        string // GraphQL data field, e.g. findScenes
	records      string // record list key inside the result object
	idsQuery     string
	changedQuery string
	allQuery     string
}

func idsQuery(field, records string) string {
	return fmt.Sprintf(`query($page: Int!, $per_page: Int!) {
  %s(filter: { page: $page, per_page: $per_page, sort: "id", direction: ASC }) {
    count
    %s { id }
  }
}`, field, records)
}

// allQuery fetches full records without an updated_at filter, for the first
// pass when no cursor exists yet.
func allQuery(field, records, selection string) string {
	return fmt.Sprintf(`query($page: Int!, $per_page: Int!) {
  %s(filter: { page: $page, per_page: $per_page, sort: "updated_at", direction: ASC }) {
    count
    %s { %s }
  }
}`, field, records, selection)
}

func changedQuery(field, records, filterArg, selection string) string {
	return fmt.Sprintf(`query($page: Int!, $per_page: Int!, $since: String!) {
  %s(
    filter: { page: $page, per_page: $per_page, sort: "updated_at", direction: ASC }
    %s: { updated_at: { value: $since, modifier: GREATER_THAN } }
  ) {
    count
    %s { %s }
  }
}`, field, filterArg, records, selection)
}

func buildSpec(field, records, filterArg, selection string) spec {
	return spec{
		field:        field,
		records:      records,
		idsQuery:     idsQuery(field, records),
		changedQuery: changedQuery(field, records, filterArg, selection),
		allQuery:     allQuery(field, records, selection),
	}
}

var specs = map[db.EntityType]spec{
	db.EntityScene: buildSpec("findScenes", "scenes", "scene_filter",
		`id title details date created_at updated_at files { duration } studio { id } performers { id } tags { id } galleries { id } groups { id }`),
	db.EntityPerformer: buildSpec("findPerformers", "performers", "performer_filter",
		`id name disambiguation gender birthdate country created_at updated_at tags { id }`),
	db.EntityStudio: buildSpec("findStudios", "studios", "studio_filter",
		`id name url parent_studio { id } created_at updated_at tags { id }`),
	db.EntityTag: buildSpec("findTags", "tags", "tag_filter",
		`id name description created_at updated_at`),
	db.EntityGallery: buildSpec("findGalleries", "galleries", "gallery_filter",
		`id title details date created_at updated_at tags { id }`),
	db.EntityGroup: buildSpec("findGroups", "groups", "group_filter",
		`id name date created_at updated_at tags { id }`),
	db.EntityImage: buildSpec("findImages", "images", "image_filter",
		`id title created_at updated_at tags { id } galleries { id }`),
}

func querySpec(t db.EntityType) (spec, error) {
	s, ok := specs[t]
	if !ok {
		return spec{}, fmt.Errorf("no query spec for entity type %q", t)
	}
	return s, nil
}
