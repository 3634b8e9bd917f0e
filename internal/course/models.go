// Package course holds the course catalogue and individual enrollments.
package course

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Course is a purchasable unit of content. Only the fields access control
// and checkout read are modelled.
type Course struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Price     int64     `json:"price"`
	IsFree    bool      `json:"is_free"`
	Published bool      `json:"published"`
	CreatedAt time.Time `json:"created_at"`
}

// Enrollment grants a single student individual access to a course.
type Enrollment struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	CourseID   string    `json:"course_id"`
	PaymentID  string    `json:"payment_id"`
	Amount     int64     `json:"amount"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// CreateInput holds the fields for a new course.
type CreateInput struct {
	Slug   string `json:"slug"`
	Title  string `json:"title"`
	Price  int64  `json:"price"`
	IsFree bool   `json:"is_free"`
}

// CreateEnrollmentInput holds the fields for a new enrollment.
type CreateEnrollmentInput struct {
	StudentID string
	CourseID  string
	PaymentID string
	Amount    int64
}

var (
	ErrSlugInvalid   = errors.New("slug must be lowercase letters, digits and dashes")
	ErrTitleRequired = errors.New("title is required")
	ErrPriceInvalid  = errors.New("paid courses need a positive price")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks a CreateInput.
func (in CreateInput) Validate() error {
	if !slugPattern.MatchString(in.Slug) {
		return ErrSlugInvalid
	}
	if strings.TrimSpace(in.Title) == "" {
		return ErrTitleRequired
	}
	if !in.IsFree && in.Price <= 0 {
		return ErrPriceInvalid
	}
	return nil
}

// FreePaymentID is the synthetic payment id recorded for free enrollments,
// which keeps them idempotent under the unique payment id constraint.
func FreePaymentID(courseID, studentID string) string {
	return "free:" + courseID + ":" + studentID
}
