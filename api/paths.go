package api

import "strings"

// Fixed REST paths relative to the server base URL.
const (
	VersionPath          = "/item/api_version/"
	MagicTokenPath       = "/api/auth/magic-token/"
	MagicTokenVerifyPath = "/api/auth/magic-token/verify/"
)

// ListPath returns the collection path for a resource endpoint, e.g.
// /item/api_list/.
func ListPath(endpoint string) string {
	return "/" + strings.Trim(endpoint, "/") + "/api_list/"
}

// DetailPath returns the per-object path for a resource endpoint, e.g.
// /item/api_detail/<guid>/.
func DetailPath(endpoint, guid string) string {
	return "/" + strings.Trim(endpoint, "/") + "/api_detail/" + guid + "/"
}

// FilePath returns the secondary endpoint receiving multipart file bodies for
// file-bearing items.
func FilePath(guid string) string {
	return "/item/api_file/" + guid + "/"
}
