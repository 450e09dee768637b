package keyword

import "testing"

func TestDerive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"slug", "https://example.com/blog/best-hiking-boots-2024/", "best hiking boots 2024"},
		{"underscores and plus", "https://example.com/guides/solar_panel+cleaning", "solar panel cleaning"},
		{"encoded", "https://example.com/recettes/cr%C3%A8me-br%C3%BBl%C3%A9e", "crème brûlée"},
		{"extension", "https://example.com/articles/dog-training.html", "dog training"},
		{"numeric id falls back to parent", "https://example.com/running-shoes/12345", "running shoes"},
		{"hash falls back to parent", "https://example.com/coffee-grinders/9f86d081884c", "coffee grinders"},
		{"uuid falls back to parent", "https://example.com/garden-tools/550e8400-e29b-41d4-a716-446655440000", "garden tools"},
		{"short code falls back to parent", "https://example.com/espresso-machines/p123", "espresso machines"},
		{"both opaque falls back to domain", "https://www.acme-widgets.co.uk/42/abc123def", "acme widgets"},
		{"index page", "https://shop.example.org/index.php", "example"},
		{"root", "https://mysite.com/", "mysite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Derive(tt.url); got != tt.want {
				t.Fatalf("Derive(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestIsNonSemantic(t *testing.T) {
	t.Parallel()
	opaque := []string{"123", "deadbeef42", "a1b2c3d4e5", "p123", "id-42", "550e8400e29b41d4a716446655440000", "", "index"}
	words := []string{"facade", "decade", "coffee", "top10-tips", "python3", "best-of-2023"}
	for _, s := range opaque {
		if !IsNonSemantic(s) {
			t.Fatalf("%q should be non-semantic", s)
		}
	}
	for _, s := range words {
		if IsNonSemantic(s) {
			t.Fatalf("%q should be semantic", s)
		}
	}
}
