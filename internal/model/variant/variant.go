package variant

// Variant 描述远端可选的模型变体。
type Variant struct {
	ID       string   `json:"id"`    // 远端协议使用的模型标识
	Name     string   `json:"name"`  // 面向用户的中文名
	Alias    string   `json:"alias"` // ASCII 别名
	Keywords []string `json:"keywords,omitempty"`
}

const (
	OrangeCat       = "Orange Cat"
	ExoticShorthair = "Exotic Shorthair"
)

// Seed returns the fixed variant set; the first entry is the default.
func Seed() []Variant {
	return []Variant{
		{
			ID:       OrangeCat,
			Name:     "橘猫",
			Alias:    "orange",
			Keywords: []string{"橘猫", "orange"},
		},
		{
			ID:       ExoticShorthair,
			Name:     "黑猫",
			Alias:    "exotic",
			Keywords: []string{"黑猫", "exotic"},
		},
	}
}
