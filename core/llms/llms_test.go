package llms

import "testing"

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around", in: `Sure! {"a":{"b":2}} hope this helps`, want: `{"a":{"b":2}}`},
		{name: "no object", in: "nothing here", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSONObject(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeImageAcceptsDataURLAndRawBase64(t *testing.T) {
	img, err := DecodeImage("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.MIMEType != "image/png" || string(img.Data) != "hello" {
		t.Fatalf("unexpected image %+v", img)
	}

	img, err = DecodeImage("/9j/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.MIMEType != "image/jpeg" {
		t.Fatalf("expected sniffed jpeg, got %q", img.MIMEType)
	}
	if img.DataURL() != "data:image/jpeg;base64,/9j/" {
		t.Fatalf("unexpected data url %q", img.DataURL())
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	if _, err := DecodeImage(""); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := DecodeImage("data:image/png;base64,@@@"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestWithImageIgnoresNil(t *testing.T) {
	options := NewPromptOptions(WithImage(nil), WithImage(&Image{}))
	if options.Image != nil {
		t.Fatalf("expected no image, got %+v", options.Image)
	}
}
