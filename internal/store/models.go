package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Board struct {
	ID         string
	OwnerID    string
	Name       string
	Subject    string
	Color      string
	SortOrder  int
	ArchivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Tile struct {
	ID               string
	BoardID          string
	Title            string
	Notes            string
	Status           string
	Priority         int
	EstimatedMinutes int
	DueAt            *time.Time
	GridX            int
	GridY            int
	GridW            int
	GridH            int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TilePlacement is one entry of a bulk dashboard-layout update.
type TilePlacement struct {
	TileID string `json:"tileId"`
	GridX  int    `json:"x"`
	GridY  int    `json:"y"`
	GridW  int    `json:"w"`
	GridH  int    `json:"h"`
}

type File struct {
	ID            string
	BoardID       string
	TileID        *string
	OwnerID       string
	Name          string
	ObjectKey     string
	ContentType   string
	SizeBytes     int64
	ExtractedText string
	CreatedAt     time.Time
}

type Tag struct {
	ID             string
	BoardID        string
	Name           string
	NameNormalized string
	CreatedAt      time.Time
}

// AIUsage is one recorded LLM call; quota sums these per user per UTC day.
type AIUsage struct {
	ID         string
	UserID     string
	Kind       string
	TokensUsed int
	CreatedAt  time.Time
}
