package osv

import (
	"github.com/aquasecurity/depscan/types"
)

// Query is the body of POST /v1/query and one member of a batch.
type Query struct {
	Version   string       `json:"version,omitempty"`
	Package   QueryPackage `json:"package"`
	PageToken string       `json:"page_token,omitempty"`
}

type QueryPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type BatchQuery struct {
	Queries []Query `json:"queries"`
}

// Response lists the vulnerabilities affecting one queried package. An
// empty body decodes to a Response without vulns: none found.
type Response struct {
	Vulns         []types.Vulnerability `json:"vulns,omitempty"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type BatchResponse struct {
	Results []*Response `json:"results"`
}

func newQuery(id types.Identity) Query {
	return Query{
		Version: id.Version,
		Package: QueryPackage{Name: id.Name, Ecosystem: id.Ecosystem},
	}
}
