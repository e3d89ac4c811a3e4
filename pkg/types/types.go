// Package types defines the shared types used across all Credo packages.
//
// These types form the lingua franca between the device layer, the job
// queue, the knowledge base, and the validation pipeline. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// TransportKind identifies how an edge recorder delivers audio.
type TransportKind string

const (
	// TransportStream is a byte stream interleaving PCM samples with in-band
	// AUDIO_START / AUDIO_END control lines (serial-style recorders).
	TransportStream TransportKind = "stream"

	// TransportChunked delivers discrete timestamped PCM frames with
	// out-of-band SESSION_OPEN / SESSION_CLOSE control messages (wireless
	// recorders).
	TransportChunked TransportKind = "chunked"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportStream || k == TransportChunked
}

// DeviceState enumerates the connection lifecycle of an edge recorder.
type DeviceState string

const (
	DeviceDiscovered   DeviceState = "discovered"
	DeviceConnected    DeviceState = "connected"
	DeviceRecording    DeviceState = "recording"
	DeviceDisconnected DeviceState = "disconnected"
)

// Device is a snapshot of a known edge recorder as tracked by the registry.
type Device struct {
	// ID is the opaque stable identifier of the recorder.
	ID string `json:"id"`

	// Transport is how this device delivers audio.
	Transport TransportKind `json:"transport"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Confidence scores how much this endpoint looks like a known recorder
	// (0–100), derived from its greeting banner and frame cadence.
	Confidence int `json:"confidence"`

	// State is the current connection state.
	State DeviceState `json:"state"`

	// LastSeen is the last instant any traffic arrived from this device.
	LastSeen time.Time `json:"last_seen"`
}

// SessionCause explains why a recording session ended.
type SessionCause string

const (
	CauseExplicitStop    SessionCause = "explicit_stop"
	CauseTimeout         SessionCause = "timeout"
	CauseDisconnect      SessionCause = "disconnect"
	CauseError           SessionCause = "error"
	CauseImplicitRestart SessionCause = "implicit_restart"
	CauseGapExceeded     SessionCause = "gap_exceeded"
	CauseTransportError  SessionCause = "transport_error"
)

// Session is a per-device recording envelope bounded by explicit start/end
// markers or a maximum duration. Immutable once ended.
type Session struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at,omitzero"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Transport  TransportKind `json:"transport"`
	ByteCount  int64         `json:"byte_count"`
	Cause      SessionCause  `json:"cause,omitempty"`

	// Warnings accumulated during the session (ring-buffer overflow,
	// backpressure, skipped byte ranges). Propagated into the final report.
	Warnings []string `json:"warnings,omitempty"`
}

// Utterance is one transcribable audio unit belonging to a session.
// Utterances are finalized on creation and never edited.
type Utterance struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// PayloadPath references the immutable PCM blob on disk.
	PayloadPath string `json:"payload_path"`

	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`

	// Ordinal is the position of this utterance within its session,
	// assigned in start-time order.
	Ordinal int `json:"ordinal"`

	// VoiceActivity is set when a VAD pass flagged the payload as speech.
	VoiceActivity bool `json:"voice_activity,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Transcript is the text produced from a single utterance. One transcript
// per utterance — the latest successful attempt.
type Transcript struct {
	ID          string `json:"id"`
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`

	// Language is the detected (or hinted) BCP-47 language tag.
	Language string `json:"language,omitempty"`

	// Confidence is a normalised scalar in [0,1]. Nil when the model does
	// not report confidence.
	Confidence *float64 `json:"confidence,omitempty"`

	// Segments carries optional per-segment confidences.
	Segments []SegmentDetail `json:"segments,omitempty"`

	// Model identifies the ASR model that produced this transcript.
	Model string `json:"model,omitempty"`

	// InferenceTime is how long transcription took.
	InferenceTime time.Duration `json:"inference_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SegmentDetail holds per-segment metadata from ASR models that support it.
type SegmentDetail struct {
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// ClaimKind classifies an extracted claim.
type ClaimKind string

const (
	// ClaimFact is a checkable factual assertion; the only kind the
	// validator adjudicates.
	ClaimFact ClaimKind = "fact"

	// ClaimOpinion is a subjective statement. Retained in reports, never
	// validated.
	ClaimOpinion ClaimKind = "opinion"

	// ClaimPrediction is a statement about the future. Retained in reports,
	// never validated.
	ClaimPrediction ClaimKind = "prediction"
)

// IsValid reports whether k is a recognised claim kind.
func (k ClaimKind) IsValid() bool {
	switch k {
	case ClaimFact, ClaimOpinion, ClaimPrediction:
		return true
	}
	return false
}

// EntityType classifies an entity mention inside a claim.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityBrand        EntityType = "brand"
	EntityProduct      EntityType = "product"
	EntityPlace        EntityType = "place"
	EntityNumber       EntityType = "number"
	EntityDate         EntityType = "date"
)

// EntityMention is a typed surface-form mention inside a claim.
type EntityMention struct {
	Text string     `json:"text"`
	Type EntityType `json:"type"`
}

// Claim is an atomic statement extracted from a transcript. Immutable once
// emitted.
type Claim struct {
	ID           string `json:"id"`
	TranscriptID string `json:"transcript_id"`

	// Ordinal is the extraction order within the transcript.
	Ordinal int `json:"ordinal"`

	Text string `json:"text"`

	// SpanStart/SpanEnd locate the claim inside the transcript text
	// (character offsets, half-open).
	SpanStart int `json:"span_start"`
	SpanEnd   int `json:"span_end"`

	Kind     ClaimKind       `json:"kind"`
	Entities []EntityMention `json:"entities,omitempty"`

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Extractor identifies which strategy emitted this claim
	// ("llm:<model>" or "rules").
	Extractor string `json:"extractor,omitempty"`
}

// Verdict is the outcome of adjudicating a claim against evidence.
type Verdict string

const (
	VerdictConfirmed    Verdict = "confirmed"
	VerdictContradicted Verdict = "contradicted"
	VerdictUncertain    Verdict = "uncertain"
	VerdictNoData       Verdict = "no_data"
)

// Score maps a verdict to its credibility contribution: confirmed=1,
// contradicted=0, uncertain and no_data=0.5.
func (v Verdict) Score() float64 {
	switch v {
	case VerdictConfirmed:
		return 1
	case VerdictContradicted:
		return 0
	default:
		return 0.5
	}
}

// EvidenceSource identifies what kind of record a piece of evidence cites.
type EvidenceSource string

const (
	EvidenceChunk EvidenceSource = "document_chunk"
	EvidenceFact  EvidenceSource = "profile_fact"
)

// Evidence is a retrieved chunk or profile fact cited by a validation.
type Evidence struct {
	Source EvidenceSource `json:"source"`

	// SourceID is the chunk id or fact id.
	SourceID string `json:"source_id"`

	// Quote is the cited text excerpt.
	Quote string `json:"quote"`

	// Score is the normalised similarity in [0,1].
	Score float64 `json:"score"`

	// Supports reports whether this evidence supports (true) or contradicts
	// (false) the claim per the adjudicator.
	Supports bool `json:"supports"`

	// Rationale is a short per-evidence explanation.
	Rationale string `json:"rationale,omitempty"`
}

// Validation is the adjudicated result for a single claim.
type Validation struct {
	ID      string  `json:"id"`
	ClaimID string  `json:"claim_id"`
	Status  Verdict `json:"status"`

	// Confidence is the adjudication confidence clipped to [0,1].
	Confidence float64 `json:"confidence"`

	Evidence       []Evidence `json:"evidence,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`

	// RetrievedChunks records the exact chunk ids retrieved, enabling
	// deterministic replay against a frozen snapshot.
	RetrievedChunks []string `json:"retrieved_chunks,omitempty"`

	// RequestFingerprint is a hash of the adjudication prompt sent to the
	// LLM, paired with RetrievedChunks for replay.
	RequestFingerprint string `json:"request_fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Report assembles a transcript's claims and validations with an aggregate
// credibility score.
type Report struct {
	ID           string `json:"id"`
	TranscriptID string `json:"transcript_id"`

	// Claims in extractor order. Validations is positionally aligned:
	// Validations[i] adjudicates Claims[i], and is nil when Claims[i] is
	// not fact-kind.
	Claims      []Claim       `json:"claims"`
	Validations []*Validation `json:"validations"`

	// Credibility is the weighted mean of per-claim verdict scores. Nil when
	// no fact-kind claims exist (the report is annotated no_claims).
	Credibility *float64 `json:"credibility"`

	// NoClaims is set when the transcript contained no fact-kind claims.
	NoClaims bool `json:"no_claims,omitempty"`

	Warnings  []string  `json:"warnings,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Document describes an ingested knowledge-base source file.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MIME       string    `json:"mime"`
	ByteSize   int64     `json:"byte_size"`
	IngestedAt time.Time `json:"ingested_at"`

	// Tags are declared at upload, ordered and unique.
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`

	// Context is a free-text description of what this document covers.
	Context string `json:"context,omitempty"`

	// LinkedProfiles mirrors the symmetric document↔profile link relation.
	LinkedProfiles []string `json:"linked_profiles,omitempty"`
}

// Chunk is a text window produced by splitting a document for embedding;
// the unit of retrieval in the vector index.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`

	// StartOffset/EndOffset locate the chunk in the decoded source text
	// (byte offsets, half-open).
	StartOffset int `json:"start_offset"`
	EndOffset   int `json:"end_offset"`

	// Embedding is the vector representation of Text. Dimension must match
	// the index configuration.
	Embedding []float32 `json:"-"`

	// Inherited document metadata, duplicated for filterable retrieval.
	Tags           []string `json:"tags,omitempty"`
	Category       string   `json:"category,omitempty"`
	LinkedProfiles []string `json:"linked_profiles,omitempty"`
}

// ProfileKind discriminates the profile tagged union.
type ProfileKind string

const (
	ProfileClient ProfileKind = "client"
	ProfileBrand  ProfileKind = "brand"
	ProfilePerson ProfileKind = "person"
)

// IsValid reports whether k is a recognised profile kind.
func (k ProfileKind) IsValid() bool {
	switch k {
	case ProfileClient, ProfileBrand, ProfilePerson:
		return true
	}
	return false
}

// Profile is a structured entity (client, brand, or person) in the
// knowledge base. Kind-specific fields are populated according to Kind and
// zero otherwise.
type Profile struct {
	ID          string      `json:"id"`
	Kind        ProfileKind `json:"kind"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`

	// Documents mirrors the symmetric document↔profile link relation.
	Documents []string `json:"documents,omitempty"`

	// ClientType applies when Kind is client (e.g. "retail", "agency").
	ClientType string `json:"client_type,omitempty"`

	// BrandValues applies when Kind is brand.
	BrandValues []string `json:"brand_values,omitempty"`

	// Role and Organization apply when Kind is person.
	Role         string `json:"role,omitempty"`
	Organization string `json:"organization,omitempty"`

	Facts []Fact `json:"facts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fact is a single statement attached to a profile. Facts are appended and
// removed; edits are modelled as remove+append.
type Fact struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	Statement string `json:"statement"`

	// SourceRef points at the document or transcript the fact came from.
	SourceRef string `json:"source_ref,omitempty"`

	// Confidence is the declared confidence in [0,1].
	Confidence float64 `json:"confidence"`

	Verified  bool      `json:"verified,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
