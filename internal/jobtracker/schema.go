package jobtracker

import (
	"github.com/hashicorp/go-memdb"

	"github.com/ChuLiYu/buildd/pkg/types"
)

const (
	tableJobs = "jobs"

	indexID    = "id"
	indexRef   = "ref"
	indexArch  = "arch"
	indexState = "state"
)

// record is the memdb row. Indexed fields are flattened because memdb
// indexers only read top-level struct fields. Rows are never mutated after
// insert.
type record struct {
	Token   string
	Name    string
	Version string
	Arch    string
	State   string
	Job     types.BuildJob
}

func newRecord(job types.BuildJob) *record {
	return &record{
		Token:   string(job.Token),
		Name:    job.Ref.Name,
		Version: job.Ref.Version,
		Arch:    job.Ref.Arch,
		State:   string(job.State),
		Job:     job,
	}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Token"},
					},
					indexRef: {
						Name:   indexRef,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Name"},
								&memdb.StringFieldIndex{Field: "Version"},
								&memdb.StringFieldIndex{Field: "Arch"},
							},
						},
					},
					indexArch: {
						Name:    indexArch,
						Indexer: &memdb.StringFieldIndex{Field: "Arch"},
					},
					indexState: {
						Name:    indexState,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
}
