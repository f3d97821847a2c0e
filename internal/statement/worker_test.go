package statement

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/statement-tracker/internal/extraction"
	"github.com/zombor/statement-tracker/internal/queue"
)

var _ = Describe("Worker", func() {
	var (
		db        *BoltDB
		storage   *LocalStorage
		texts     *mockTextExtractor
		extractor *mockExtractor
		resolver  CardResolver
		ids       *sequentialIDs
		worker    *Worker
		stmt      *Statement
		job       *queue.Job
		ctx       context.Context
		handleErr error
	)

	BeforeEach(func() {
		tmpDir := GinkgoT().TempDir()
		var err error
		db, err = NewBoltDB(filepath.Join(tmpDir, "statements.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "files"))
		Expect(err).NotTo(HaveOccurred())

		ids = &sequentialIDs{prefix: "id"}
		clock := fixedTime{t: testNow}
		texts = &mockTextExtractor{doc: &extraction.Document{Text: "RESUMEN DE CUENTA VISA", Pages: 2}}
		extractor = &mockExtractor{result: parsedResult(endToEndJSON)}
		resolver = NewCardResolver(ids, clock)

		stmt = seedStatement(db, storage, "stmt-1", "user-1", minimalPDF)
		job = &queue.Job{ID: "job-1", StatementID: "stmt-1", UserID: "user-1", Deliveries: 1}
		ctx = context.Background()
	})

	AfterEach(func() {
		db.Close()
	})

	JustBeforeEach(func() {
		worker = NewWorkerWithDeps(db, storage, texts, extractor, resolver, ids, fixedTime{t: testNow})
		handleErr = worker.Handle(ctx, job)
	})

	stored := func() *Statement {
		s, err := db.GetStatement("stmt-1")
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	expenses := func() []*Expense {
		e, err := db.ListExpenses("stmt-1")
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	fileExists := func() bool {
		exists, err := storage.Exists(stmt.StoragePath)
		Expect(err).NotTo(HaveOccurred())
		return exists
	}

	When("the statement processes successfully", func() {
		var statusDuringExtraction Status

		BeforeEach(func() {
			texts.hook = func() {
				statusDuringExtraction = stored().Status
			}
		})

		It("should not return an error", func() {
			Expect(handleErr).NotTo(HaveOccurred())
		})

		It("marks the statement processing before extracting", func() {
			Expect(statusDuringExtraction).To(Equal(StatusProcessing))
		})

		It("records the job that processed it", func() {
			Expect(stored().JobID).To(Equal("job-1"))
		})

		It("completes the statement with its summary", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusCompleted))
			Expect(s.ErrorMessage).To(BeNil())
			Expect(s.TotalARS.Equal(decimal.NewFromInt(12650))).To(BeTrue())
			Expect(s.TotalUSD).To(BeNil())
			Expect(*s.DueDate).To(Equal(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)))
			Expect(*s.StatementDate).To(Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
		})

		It("stores every expense in order", func() {
			e := expenses()
			Expect(e).To(HaveLen(3))
			Expect(e[0].Description).To(Equal("Netflix"))
			Expect(e[1].Description).To(Equal("Amazon"))
			Expect(e[2].Description).To(Equal("Stamp Tax"))
			Expect(e[0].AmountARS.Equal(decimal.NewFromInt(2500))).To(BeTrue())
		})

		It("keeps the installment position", func() {
			amazon := expenses()[1]
			Expect(*amazon.CurrentInstallment).To(Equal(2))
			Expect(*amazon.TotalInstallments).To(Equal(6))
		})

		It("creates one card and links it", func() {
			cards, err := db.ListCards("user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cards).To(HaveLen(1))
			Expect(*cards[0].LastFourDigits).To(Equal("1234"))

			e := expenses()
			Expect(e[1].CardID).To(Equal(&cards[0].ID))
			Expect(e[0].CardID).To(BeNil())
			Expect(e[2].CardID).To(BeNil())
		})

		It("deletes the statement file", func() {
			Expect(fileExists()).To(BeFalse())
		})

		It("sends the extracted text to the extractor", func() {
			Expect(extractor.texts).To(Equal([]string{"RESUMEN DE CUENTA VISA"}))
		})
	})

	When("two expenses share a card identifier", func() {
		BeforeEach(func() {
			extractor.result = parsedResult(`{"expenses": [
				{"description": "Spotify", "amount_ars": 1000, "card_identifier": "JUAN PEREZ"},
				{"description": "Uber", "amount_ars": 3000, "card_identifier": "juan perez"},
				{"description": "Steam", "amount_usd": 20, "card_identifier": "9876"}
			], "summary": null}`)
		})

		It("links both to the same card and creates a distinct card for the other", func() {
			cards, err := db.ListCards("user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cards).To(HaveLen(2))

			e := expenses()
			Expect(*e[0].CardID).To(Equal(*e[1].CardID))
			Expect(*e[2].CardID).NotTo(Equal(*e[0].CardID))
		})

		It("completes without a summary", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusCompleted))
			Expect(s.TotalARS).To(BeNil())
			Expect(s.DueDate).To(BeNil())
		})
	})

	When("card resolution fails partway through the commit", func() {
		BeforeEach(func() {
			extractor.result = parsedResult(`{"expenses": [
				{"description": "Netflix", "amount_ars": 2500, "card_identifier": "1234"},
				{"description": "Amazon", "amount_ars": 10000, "card_identifier": "5678"},
				{"description": "Steam", "amount_ars": 900, "card_identifier": "1234"}
			], "summary": {"total_ars": 13400}}`)
			resolver = &failingResolver{
				next:   resolver,
				failOn: 2,
				err:    errors.New("disk I/O error"),
			}
		})

		It("should not return an error", func() {
			Expect(handleErr).NotTo(HaveOccurred())
		})

		It("fails the statement with the cause", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusFailed))
			Expect(*s.ErrorMessage).To(ContainSubstring("resolving card for expense 2"))
			Expect(*s.ErrorMessage).To(ContainSubstring("disk I/O error"))
		})

		It("persists no expenses", func() {
			Expect(expenses()).To(BeEmpty())
		})

		It("rolls back cards created earlier in the transaction", func() {
			cards, err := db.ListCards("user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cards).To(BeEmpty())
		})

		It("leaves the summary unset", func() {
			Expect(stored().TotalARS).To(BeNil())
		})

		It("deletes the statement file", func() {
			Expect(fileExists()).To(BeFalse())
		})
	})

	When("text extraction fails", func() {
		BeforeEach(func() {
			texts.err = &extraction.TextError{Kind: extraction.ErrNoText}
		})

		It("fails the statement with a readable message", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusFailed))
			Expect(*s.ErrorMessage).To(Equal("no extractable text found in PDF"))
		})

		It("does not call the extractor", func() {
			Expect(extractor.texts).To(BeEmpty())
		})

		It("deletes the statement file", func() {
			Expect(fileExists()).To(BeFalse())
		})
	})

	When("the extraction response cannot be parsed", func() {
		BeforeEach(func() {
			extractor.err = &extraction.ParseError{Stage: "locate", Err: extraction.ErrNoJSON}
		})

		It("surfaces the parse error on the statement", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusFailed))
			Expect(*s.ErrorMessage).To(ContainSubstring(extraction.ErrNoJSON.Error()))
		})

		It("deletes the statement file", func() {
			Expect(fileExists()).To(BeFalse())
		})
	})

	When("the error message is very long", func() {
		BeforeEach(func() {
			extractor.err = errors.New(strings.Repeat("x", 5000))
		})

		It("truncates the stored message", func() {
			Expect(*stored().ErrorMessage).To(HaveLen(maxErrorMessageLength))
		})
	})

	When("the statement file is missing", func() {
		BeforeEach(func() {
			Expect(storage.Delete(stmt.StoragePath)).To(Succeed())
		})

		It("fails the statement", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusFailed))
			Expect(*s.ErrorMessage).To(ContainSubstring("reading statement file"))
		})
	})

	When("the statement already completed", func() {
		BeforeEach(func() {
			_, err := db.UpdateStatement("stmt-1", func(s *Statement) error {
				s.Status = StatusCompleted
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("skips the job without an error", func() {
			Expect(handleErr).NotTo(HaveOccurred())
			Expect(texts.calls).To(Equal(0))
			Expect(stored().Status).To(Equal(StatusCompleted))
		})
	})

	When("the statement was left processing by a crashed run of the same job", func() {
		BeforeEach(func() {
			_, err := db.UpdateStatement("stmt-1", func(s *Statement) error {
				s.Status = StatusProcessing
				s.JobID = "job-1"
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			job.Deliveries = 2

			Expect(db.Update(func(tx Tx) error {
				return tx.PutExpense(&Expense{ID: "stale", StatementID: "stmt-1", Description: "Netflix"})
			})).To(Succeed())
		})

		It("resumes and completes it", func() {
			Expect(stored().Status).To(Equal(StatusCompleted))
		})

		It("replaces the expenses from the earlier run", func() {
			e := expenses()
			Expect(e).To(HaveLen(3))
			for _, expense := range e {
				Expect(expense.ID).NotTo(Equal("stale"))
			}
		})
	})

	When("the statement is processing under another job", func() {
		BeforeEach(func() {
			_, err := db.UpdateStatement("stmt-1", func(s *Statement) error {
				s.Status = StatusProcessing
				s.JobID = "job-0"
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("skips the job without an error", func() {
			Expect(handleErr).NotTo(HaveOccurred())
			Expect(texts.calls).To(Equal(0))
		})

		It("leaves the other job's claim and file alone", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusProcessing))
			Expect(s.JobID).To(Equal("job-0"))
			Expect(fileExists()).To(BeTrue())
		})
	})

	When("the database cannot be read", func() {
		BeforeEach(func() {
			Expect(db.Close()).To(Succeed())
		})

		It("asks the queue to retry the job", func() {
			Expect(handleErr).To(MatchError(queue.ErrRetry))
			Expect(texts.calls).To(Equal(0))
		})
	})

	When("the statement was deleted before the job ran", func() {
		BeforeEach(func() {
			Expect(db.DeleteStatement("stmt-1")).To(Succeed())
		})

		It("drops the job", func() {
			Expect(handleErr).NotTo(HaveOccurred())
			Expect(texts.calls).To(Equal(0))
		})
	})

	When("the job belongs to another user", func() {
		BeforeEach(func() {
			job.UserID = "user-2"
		})

		It("drops the job and leaves the statement alone", func() {
			Expect(handleErr).NotTo(HaveOccurred())
			Expect(stored().Status).To(Equal(StatusPending))
			Expect(fileExists()).To(BeTrue())
		})
	})

	When("the statement is reset for reprocessing mid-run", func() {
		BeforeEach(func() {
			extractor.hook = func(ctx context.Context) {
				_, err := db.UpdateStatement("stmt-1", func(s *Statement) error {
					return s.transition(StatusPending, testNow)
				})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("does not commit or fail the statement", func() {
			Expect(stored().Status).To(Equal(StatusPending))
			Expect(stored().ErrorMessage).To(BeNil())
			Expect(expenses()).To(BeEmpty())
		})

		It("leaves the file for the new job", func() {
			Expect(fileExists()).To(BeTrue())
		})
	})

	When("the context is cancelled during extraction", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(context.Background())
			extractor.hook = func(context.Context) {
				cancel()
			}
			extractor.err = context.Canceled
		})

		It("returns the context error", func() {
			Expect(handleErr).To(MatchError(context.Canceled))
		})

		It("leaves the statement processing with its file for redelivery", func() {
			Expect(stored().Status).To(Equal(StatusProcessing))
			Expect(fileExists()).To(BeTrue())
		})
	})

	When("the same statement is processed twice", func() {
		JustBeforeEach(func() {
			_, err := db.UpdateStatement("stmt-1", func(s *Statement) error {
				return s.transition(StatusPending, testNow)
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = storage.Save(stmt.StoragePath, minimalPDF)
			Expect(err).NotTo(HaveOccurred())

			Expect(worker.Handle(ctx, job)).To(Succeed())
		})

		It("does not duplicate expenses", func() {
			Expect(expenses()).To(HaveLen(3))
		})

		It("reuses the existing card", func() {
			cards, err := db.ListCards("user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cards).To(HaveLen(1))
		})
	})
})

var _ = Describe("truncateMessage", func() {
	It("keeps short messages", func() {
		Expect(truncateMessage("boom")).To(Equal("boom"))
	})

	It("cuts on rune boundaries", func() {
		msg := truncateMessage(strings.Repeat("ñ", maxErrorMessageLength+10))
		Expect([]rune(msg)).To(HaveLen(maxErrorMessageLength))
	})
})

var _ = Describe("Worker with several jobs for one statement", func() {
	var (
		db        *BoltDB
		storage   *LocalStorage
		texts     *mockTextExtractor
		extractor *mockExtractor
		worker    *Worker
		service   *Service
		ctx       context.Context

		// onExtract runs inside a pipeline run, before it ends
		onExtract func()

		mu     sync.Mutex
		active int
		peak   int
	)

	job := func(id string) *queue.Job {
		return &queue.Job{ID: id, StatementID: "stmt-1", UserID: "user-1", Deliveries: 1}
	}

	BeforeEach(func() {
		tmpDir := GinkgoT().TempDir()
		var err error
		db, err = NewBoltDB(filepath.Join(tmpDir, "statements.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "files"))
		Expect(err).NotTo(HaveOccurred())

		ids := &sequentialIDs{prefix: "id"}
		clock := fixedTime{t: testNow}
		active, peak = 0, 0
		onExtract = nil

		// A run spans from text extraction to the end of structured extraction.
		texts = &mockTextExtractor{
			doc: &extraction.Document{Text: "RESUMEN DE CUENTA VISA", Pages: 1},
			hook: func() {
				mu.Lock()
				defer mu.Unlock()
				active++
				if active > peak {
					peak = active
				}
			},
		}
		extractor = &mockExtractor{
			result: parsedResult(endToEndJSON),
			hook: func(context.Context) {
				if onExtract != nil {
					onExtract()
				}
				time.Sleep(100 * time.Millisecond)
				mu.Lock()
				defer mu.Unlock()
				active--
			},
		}
		worker = NewWorkerWithDeps(db, storage, texts, extractor, NewCardResolver(ids, clock), ids, clock)
		service = NewServiceWithDeps(db, storage, &recordingPublisher{}, ids, clock)
		ctx = context.Background()

		seedStatement(db, storage, "stmt-1", "user-1", minimalPDF)
	})

	AfterEach(func() {
		db.Close()
	})

	stored := func() *Statement {
		s, err := db.GetStatement("stmt-1")
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	When("the statement is reprocessed while still pending", func() {
		var errs [2]error

		BeforeEach(func() {
			_, err := service.Reprocess(ctx, "user-1", "stmt-1", nil)
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for i, id := range []string{"job-1", "job-2"} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[i] = worker.Handle(ctx, job(id))
				}()
			}
			wg.Wait()
		})

		It("runs the pipeline once", func() {
			Expect(errs[0]).NotTo(HaveOccurred())
			Expect(errs[1]).NotTo(HaveOccurred())
			Expect(texts.calls).To(Equal(1))
			Expect(peak).To(Equal(1))
		})

		It("completes the statement with one set of expenses", func() {
			Expect(stored().Status).To(Equal(StatusCompleted))
			expenses, err := db.ListExpenses("stmt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(HaveLen(3))
		})
	})

	When("the statement is reprocessed while a run is in progress", func() {
		var firstErr, secondErr error

		BeforeEach(func() {
			reset := make(chan error, 1)
			once := sync.Once{}
			onExtract = func() {
				once.Do(func() {
					_, err := service.Reprocess(ctx, "user-1", "stmt-1", nil)
					reset <- err
				})
			}

			first := make(chan error, 1)
			go func() {
				first <- worker.Handle(ctx, job("job-1"))
			}()
			Expect(<-reset).To(Succeed())

			secondErr = worker.Handle(ctx, job("job-2"))
			firstErr = <-first
		})

		It("waits for the running pipeline before starting another", func() {
			Expect(firstErr).NotTo(HaveOccurred())
			Expect(secondErr).NotTo(HaveOccurred())
			Expect(texts.calls).To(Equal(2))
			Expect(peak).To(Equal(1))
		})

		It("completes the statement under the newer job", func() {
			s := stored()
			Expect(s.Status).To(Equal(StatusCompleted))
			Expect(s.JobID).To(Equal("job-2"))

			expenses, err := db.ListExpenses("stmt-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(expenses).To(HaveLen(3))
		})

		It("deletes the file once the newer job finishes", func() {
			exists, err := storage.Exists("stmt-1_statement.pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})
	})
})
