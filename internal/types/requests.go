package types

// GenerationParams is the immutable parameter snapshot captured when a task
// is submitted. One struct covers all pipelines; validation decides which
// fields apply per task type. Serialized to JSON onto the task row and fed
// verbatim to the worker process.
type GenerationParams struct {
	Prompt         string   `json:"prompt,omitempty"`
	Prompts        []string `json:"prompts,omitempty"` // batch_edit only
	NegativePrompt string   `json:"negative_prompt,omitempty"`

	AspectRatio string `json:"aspect_ratio,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	TrueCFGScale      float64 `json:"true_cfg_scale,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	Seed              int64   `json:"seed,omitempty"`
	NumImages         int     `json:"num_images,omitempty"`

	// Video pipelines
	NumFrames int `json:"num_frames,omitempty"`
	FPS       int `json:"fps,omitempty"`

	// Server-side paths of validated uploads (image_edit, image_to_video)
	InputImages []string `json:"input_images,omitempty"`
}

// TextToImageRequest request body for POST /api/generate/text-to-image
type TextToImageRequest struct {
	Prompt            string  `json:"prompt" binding:"required"`
	NegativePrompt    string  `json:"negative_prompt"`
	AspectRatio       string  `json:"aspect_ratio"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	TrueCFGScale      float64 `json:"true_cfg_scale"`
	Seed              int64   `json:"seed"`
	NumImages         int     `json:"num_images"`
}

// BatchEditRequest request body for POST /api/generate/batch-edit
type BatchEditRequest struct {
	Prompts           []string `json:"prompts" binding:"required"`
	NegativePrompt    string   `json:"negative_prompt"`
	NumInferenceSteps int      `json:"num_inference_steps"`
	TrueCFGScale      float64  `json:"true_cfg_scale"`
	GuidanceScale     float64  `json:"guidance_scale"`
	Seed              int64    `json:"seed"`
}

// TextToVideoRequest request body for POST /api/generate/text-to-video
type TextToVideoRequest struct {
	Prompt            string  `json:"prompt" binding:"required"`
	NegativePrompt    string  `json:"negative_prompt"`
	NumFrames         int     `json:"num_frames"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Seed              int64   `json:"seed"`
}

// SubmitResponse response body for all generate endpoints
type SubmitResponse struct {
	TaskID        string `json:"task_id"`
	QueuePosition int    `json:"queue_position"`
}
