package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidate(t *testing.T) {
	nb := &NotebookPayload{Kind: KindSpeaker, Format: FormatHTML}
	img := &ImagePayload{Format: ImageFormatPNG}

	assert.NoError(t, NewNotebookJobPayload(nb).Validate())
	assert.NoError(t, NewImageJobPayload(JobTypePlantUML, img).Validate())

	// Variant missing for the declared type.
	assert.Error(t, (&Payload{Type: JobTypeNotebook}).Validate())
	assert.Error(t, (&Payload{Type: JobTypeDrawio}).Validate())

	// Both variants set is a protocol error.
	assert.Error(t, (&Payload{Type: JobTypeNotebook, Notebook: nb, Image: img}).Validate())
	assert.Error(t, (&Payload{Type: JobTypePlantUML, Notebook: nb, Image: img}).Validate())

	assert.Error(t, (&Payload{Type: "ffmpeg", Image: img}).Validate())
}

func TestPayloadFromJSONRejectsMismatch(t *testing.T) {
	p := NewImageJobPayload(JobTypeDrawio, &ImagePayload{
		InputFile:  "arch.drawio",
		OutputFile: "img/arch.png",
		Format:     ImageFormatPNG,
	})
	data, err := p.ToJSON()
	require.NoError(t, err)

	got, err := PayloadFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, JobTypeDrawio, got.Type)
	assert.Equal(t, "img/arch.png", got.Image.OutputFile)

	_, err = PayloadFromJSON([]byte(`{"type":"notebook"}`))
	assert.Error(t, err)
	_, err = PayloadFromJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestOutputMetadataStable(t *testing.T) {
	mk := func() *Payload {
		return NewNotebookJobPayload(&NotebookPayload{
			Kind:          KindCompleted,
			Format:        FormatHTML,
			Language:      "en",
			ProgLang:      "python",
			ImgPathPrefix: "../img",
		})
	}
	a := mk().OutputMetadata()
	b := mk().OutputMetadata()
	assert.Equal(t, a, b)
	assert.Contains(t, a, "kind=completed")
	assert.Contains(t, a, "format=html")
}

func TestOutputMetadataExcludesSchedulingFields(t *testing.T) {
	base := &NotebookPayload{Kind: KindSpeaker, Format: FormatNotebook, Language: "en", ProgLang: "python"}
	withNoise := *base
	withNoise.CorrelationID = "cor_123"
	withNoise.OtherFiles = map[string]string{"data.csv": "YWJj"}
	withNoise.FallbackExecute = true
	withNoise.NotebookText = "{}"

	assert.Equal(t,
		NewNotebookJobPayload(base).OutputMetadata(),
		NewNotebookJobPayload(&withNoise).OutputMetadata())
}

func TestOutputMetadataDiscriminates(t *testing.T) {
	en := NewNotebookJobPayload(&NotebookPayload{Kind: KindSpeaker, Format: FormatHTML, Language: "en"})
	de := NewNotebookJobPayload(&NotebookPayload{Kind: KindSpeaker, Format: FormatHTML, Language: "de"})
	assert.NotEqual(t, en.OutputMetadata(), de.OutputMetadata())

	png := NewImageJobPayload(JobTypePlantUML, &ImagePayload{Format: ImageFormatPNG})
	svg := NewImageJobPayload(JobTypePlantUML, &ImagePayload{Format: ImageFormatSVG})
	assert.NotEqual(t, png.OutputMetadata(), svg.OutputMetadata())

	// Identity scale is canonicalized away.
	scaled := NewImageJobPayload(JobTypePlantUML, &ImagePayload{Format: ImageFormatPNG, Scale: 1})
	assert.Equal(t, png.OutputMetadata(), scaled.OutputMetadata())
}

func TestPayloadCorrelationID(t *testing.T) {
	nb := NewNotebookJobPayload(&NotebookPayload{CorrelationID: "cor_a"})
	img := NewImageJobPayload(JobTypeDrawio, &ImagePayload{CorrelationID: "cor_b"})
	assert.Equal(t, "cor_a", nb.CorrelationID())
	assert.Equal(t, "cor_b", img.CorrelationID())
	assert.Equal(t, "", (&Payload{}).CorrelationID())
}
