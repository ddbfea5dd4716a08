package dimensions

import (
	"github.com/withObsrvr/obsrvr-curator/internal/schema"
)

// UserSchema is the snapshot schema of dim_users.
func UserSchema() schema.Schema {
	return schema.Schema{
		Name: "dim_users",
		Fields: []schema.Field{
			{Name: "user_id", Type: schema.TypeKey, Required: true},
			{Name: "signup_date", Type: schema.TypeDate},
			{Name: "country", Type: schema.TypeString},
			{Name: "subscription_tier", Type: schema.TypeString},
			{Name: "age_group", Type: schema.TypeString},
			{Name: "gender", Type: schema.TypeString},
		},
	}
}

// VideoSchema is the snapshot schema of dim_videos. Exports name the
// category column "genre".
func VideoSchema() schema.Schema {
	return schema.Schema{
		Name: "dim_videos",
		Fields: []schema.Field{
			{Name: "video_id", Type: schema.TypeKey, Required: true},
			{Name: "title", Type: schema.TypeString},
			{Name: "category", Type: schema.TypeString, Aliases: []string{"genre"}},
			{Name: "creator_id", Type: schema.TypeString},
			{Name: "duration_seconds", Type: schema.TypeInt, NonNegative: true},
		},
	}
}

// DeviceSchema is the snapshot schema of dim_devices.
func DeviceSchema() schema.Schema {
	return schema.Schema{
		Name: "dim_devices",
		Fields: []schema.Field{
			{Name: "device_id", Type: schema.TypeKey, Required: true, Aliases: []string{"device"}},
			{Name: "platform", Type: schema.TypeString, Aliases: []string{"os_version", "device_os"}},
			{Name: "app_version", Type: schema.TypeString},
			{Name: "device_model", Type: schema.TypeString},
		},
	}
}
