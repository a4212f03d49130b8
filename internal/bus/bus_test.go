package bus

import (
	"testing"
	"time"

	"github.com/synapsehealth/dicom-gateway/internal/models"
)

func progress(study string, completed int, status models.RetrieveStatus) models.RetrieveProgress {
	return models.RetrieveProgress{
		StudyInstanceUID:   study,
		CompletedInstances: completed,
		TotalInstances:     10,
		Status:             status,
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("1.2.3")
	defer sub.Close()

	b.Publish(progress("1.2.3", 1, models.RetrieveRetrieving))

	select {
	case p := <-sub.C:
		if p.CompletedInstances != 1 || p.Status != models.RetrieveRetrieving {
			t.Errorf("got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish(progress("1.2.3", 1, models.RetrieveRetrieving))
	b.Publish(progress("1.2.3", 2, models.RetrieveCompleted))
}

func TestSlowSubscriberSeesLatestSnapshot(t *testing.T) {
	b := New()
	sub := b.Subscribe("1.2.3")
	defer sub.Close()

	// Nothing reads between publishes, so the first snapshot must be
	// replaced, not queued behind.
	b.Publish(progress("1.2.3", 1, models.RetrieveRetrieving))
	b.Publish(progress("1.2.3", 5, models.RetrieveRetrieving))

	p := <-sub.C
	if p.CompletedInstances != 5 {
		t.Errorf("completed = %d, want 5", p.CompletedInstances)
	}
}

func TestTerminalSnapshotClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("1.2.3")

	b.Publish(progress("1.2.3", 10, models.RetrieveCompleted))

	p, ok := <-sub.C
	if !ok {
		t.Fatal("channel closed before delivering terminal snapshot")
	}
	if p.Status != models.RetrieveCompleted {
		t.Errorf("status = %s", p.Status)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel still open after terminal snapshot")
	}

	// The topic is gone; a late publish must not reach the old channel.
	b.Publish(progress("1.2.3", 11, models.RetrieveRetrieving))

	// Closing after the topic ended must not panic.
	sub.Close()
}

func TestTerminalSnapshotReplacesPendingOne(t *testing.T) {
	b := New()
	sub := b.Subscribe("1.2.3")

	b.Publish(progress("1.2.3", 9, models.RetrieveRetrieving))
	b.Publish(progress("1.2.3", 9, models.RetrieveFailed))

	p, ok := <-sub.C
	if !ok {
		t.Fatal("terminal snapshot lost")
	}
	if p.Status != models.RetrieveFailed {
		t.Errorf("status = %s, want FAILED", p.Status)
	}
}

func TestSubscribersAreIndependentPerStudy(t *testing.T) {
	b := New()
	subA := b.Subscribe("1.1")
	subB := b.Subscribe("2.2")
	defer subA.Close()
	defer subB.Close()

	b.Publish(progress("1.1", 3, models.RetrieveRetrieving))

	select {
	case p := <-subA.C:
		if p.StudyInstanceUID != "1.1" {
			t.Errorf("study = %s", p.StudyInstanceUID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A got nothing")
	}
	select {
	case p := <-subB.C:
		t.Errorf("subscriber B got %+v", p)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("1.2.3")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel open after close")
	}
	// Publishing after the last subscriber left must not panic.
	b.Publish(progress("1.2.3", 1, models.RetrieveRetrieving))
}
