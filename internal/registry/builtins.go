package registry

// builtins are the core workspace entity stores. Pivot stores (task_labels,
// task_watchers) have no independent delete notifications on the stream and
// rely on snapshot-bracket reconciliation instead.
var builtins = []Descriptor{
	{
		StoreName:        "workspaces",
		RestPath:         "/api/v1/workspaces",
		SecondaryIndexes: []string{"name"},
	},
	{
		StoreName:        "users",
		RestPath:         "/api/v1/users",
		SecondaryIndexes: []string{"email"},
	},
	{
		StoreName:        "projects",
		RestPath:         "/api/v1/projects",
		SecondaryIndexes: []string{"workspace_id", "name"},
	},
	{
		StoreName:        "tasks",
		RestPath:         "/api/v1/tasks",
		SecondaryIndexes: []string{"project_id", "status_id", "assignee_id", "due_at"},
	},
	{
		StoreName:        "statuses",
		RestPath:         "/api/v1/statuses",
		SecondaryIndexes: []string{"project_id"},
	},
	{
		StoreName:        "labels",
		RestPath:         "/api/v1/labels",
		SecondaryIndexes: []string{"workspace_id"},
	},
	{
		StoreName:        "task_labels",
		RestPath:         "/api/v1/task-labels",
		SecondaryIndexes: []string{"task_id", "label_id"},
	},
	{
		StoreName:        "task_watchers",
		RestPath:         "/api/v1/task-watchers",
		SecondaryIndexes: []string{"task_id", "user_id"},
	},
	{
		StoreName:        "comments",
		RestPath:         "/api/v1/comments",
		SecondaryIndexes: []string{"task_id", "author_id"},
	},
	{
		StoreName:        "custom_fields",
		RestPath:         "/api/v1/custom-fields",
		SecondaryIndexes: []string{"workspace_id"},
	},
	{
		// Saved views are keyed by a workspace-scoped name rather than a
		// numeric id, exercising the non-default primary key path.
		StoreName:        "saved_views",
		RestPath:         "/api/v1/saved-views",
		PrimaryKeyField:  "view_name",
		SecondaryIndexes: []string{"workspace_id"},
	},
}
