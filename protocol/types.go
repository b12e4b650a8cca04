package protocol

// Doc is a stored document. Every document carries "_id" and "_class".
type Doc map[string]any

const (
	FieldID    = "_id"
	FieldClass = "_class"
)

func (d Doc) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

func (d Doc) Class() string {
	class, _ := d[FieldClass].(string)
	return class
}

type TxKind string

const (
	TxCreate TxKind = "create"
	TxUpdate TxKind = "update"
	TxRemove TxKind = "remove"
)

type Tx struct {
	ID          string         `json:"_id"`
	Kind        TxKind         `json:"kind"`
	ObjectClass string         `json:"objectClass"`
	ObjectID    string         `json:"objectId"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	ModifiedBy  string         `json:"modifiedBy,omitempty"`
	ModifiedOn  int64          `json:"modifiedOn,omitempty"`
}

type SortField struct {
	Key   string `json:"key"`
	Order int    `json:"order"` // 1 ascending, -1 descending
}

type FindOptions struct {
	Limit  int         `json:"limit,omitempty"`
	Sort   []SortField `json:"sort,omitempty"`
	Lookup []string    `json:"lookup,omitempty"`
}

// FindResult is the array-typed result of findAll. When a result is sent in
// chunks only the final frame carries Total and LookupMap.
type FindResult struct {
	Docs      []Doc          `json:"docs"`
	Total     int            `json:"total,omitempty"`
	LookupMap map[string]Doc `json:"lookupMap,omitempty"`
}

type Account struct {
	Email     string `json:"email"`
	Workspace string `json:"workspace"`
	Role      string `json:"role,omitempty"`
}
