package schema

// fallbacks are hardcoded schemas for stores that either predate the type
// catalog or whose catalog entries are known to be incomplete. A fallback
// always wins over catalog derivation.
var fallbacks = map[string]TableSchema{
	"tasks": {
		Columns: []Column{
			{Name: "id", Type: TypeBigint, IsPrimaryKey: true},
			{Name: "project_id", Type: TypeBigint, Nullable: true},
			{Name: "status_id", Type: TypeBigint, Nullable: true},
			{Name: "assignee_id", Type: TypeBigint, Nullable: true},
			{Name: "title", Type: TypeText, Nullable: true},
			{Name: "description", Type: TypeText, Nullable: true},
			{Name: "position", Type: TypeDouble, Nullable: true},
			{Name: "estimate_minutes", Type: TypeInteger, Nullable: true},
			{Name: "is_billable", Type: TypeBoolean, Nullable: true},
			{Name: "due_at", Type: TypeDate, Nullable: true},
			{Name: "custom_values", Type: TypeJSON, Nullable: true},
			{Name: "created_at", Type: TypeTimestamp, Nullable: true},
			{Name: "updated_at", Type: TypeTimestamp, Nullable: true},
			{Name: "deleted_at", Type: TypeTimestamp, Nullable: true},
		},
	},
	"task_labels": {
		Columns: []Column{
			{Name: "id", Type: TypeBigint, IsPrimaryKey: true},
			{Name: "task_id", Type: TypeBigint, Nullable: true},
			{Name: "label_id", Type: TypeBigint, Nullable: true},
		},
	},
	"task_watchers": {
		Columns: []Column{
			{Name: "id", Type: TypeBigint, IsPrimaryKey: true},
			{Name: "task_id", Type: TypeBigint, Nullable: true},
			{Name: "user_id", Type: TypeBigint, Nullable: true},
		},
	},
	"saved_views": {
		Columns: []Column{
			{Name: "view_name", Type: TypeText, IsPrimaryKey: true},
			{Name: "workspace_id", Type: TypeBigint, Nullable: true},
			{Name: "owner_id", Type: TypeBigint, Nullable: true},
			{Name: "definition", Type: TypeJSON, Nullable: true},
		},
	},
}
